package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds server configuration. Only Port is taken from the
// environment; the safety limits and timeouts are fixed relay constants
// that robot agents rely on.
type Config struct {
	Port int

	MaxLinearVelocity  float64
	MaxAngularVelocity float64
	TelemetryRateHz    int

	ControlIdleTimeout time.Duration
	RobotTimeout       time.Duration
	PingInterval       time.Duration

	StaleSweepInterval time.Duration
	IdleSweepInterval  time.Duration
}

// Load returns configuration from the environment or defaults.
func Load() *Config {
	v := viper.New()
	v.SetDefault("PORT", 8080)
	v.AutomaticEnv()

	return &Config{
		Port:               v.GetInt("PORT"),
		MaxLinearVelocity:  0.5,
		MaxAngularVelocity: 1.5,
		TelemetryRateHz:    2,
		ControlIdleTimeout: 60 * time.Second,
		RobotTimeout:       60 * time.Second,
		PingInterval:       30 * time.Second,
		StaleSweepInterval: 30 * time.Second,
		IdleSweepInterval:  10 * time.Second,
	}
}
