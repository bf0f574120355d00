// Package relay holds the authoritative in-memory state of the relay: the
// robot registry, the operator hub, and the reapers that evict stale robots
// and idle control leases.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fordward_relay/protocol"
)

// Robot holds all state for a single registered robot. The socket is
// exclusively owned by this record; a reconnect produces a fresh record and
// the registry terminates the old socket before the swap becomes visible.
type Robot struct {
	ID           string
	Version      string
	Capabilities []string

	mu        sync.Mutex
	lastSeen  time.Time
	telemetry map[string]any
	lease     lease

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool

	log *zap.Logger
}

// NewRobot creates a record for a freshly registered robot.
func NewRobot(id, version string, capabilities []string, conn *websocket.Conn, now time.Time, log *zap.Logger) *Robot {
	return &Robot{
		ID:           id,
		Version:      version,
		Capabilities: capabilities,
		lastSeen:     now,
		telemetry:    make(map[string]any),
		conn:         conn,
		log:          log,
	}
}

// Touch records an inbound frame from the robot. lastSeen never moves
// backwards.
func (r *Robot) Touch(now time.Time) {
	r.mu.Lock()
	if now.After(r.lastSeen) {
		r.lastSeen = now
	}
	r.mu.Unlock()
}

// LastSeen returns the time of the last inbound frame.
func (r *Robot) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

// ApplyTelemetry replaces the telemetry snapshot and returns the state frame
// for subscribers. The snapshot and the control view are observed under the
// same lock, so a state frame never mixes telemetry from one instant with a
// lease from another.
func (r *Robot) ApplyTelemetry(telemetry map[string]any, now time.Time) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.After(r.lastSeen) {
		r.lastSeen = now
	}
	r.telemetry = telemetry
	return protocol.State(r.ID, r.telemetry, true, r.lease.view())
}

// POICatalogue returns the robot's known POI list for command validation.
func (r *Robot) POICatalogue() ([]protocol.POI, []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.POICatalogue(r.telemetry)
}

// StateFrame builds a subscriber state frame from the current snapshot.
func (r *Robot) StateFrame() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.State(r.ID, r.telemetry, true, r.lease.view())
}

// Projection returns the full JSON-ready view of the robot for the HTTP
// status surface.
func (r *Robot) Projection() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := make(map[string]any, len(r.telemetry)+6)
	for k, v := range r.telemetry {
		p[k] = v
	}
	p["robotId"] = r.ID
	p["online"] = true
	p["lastSeen"] = r.lastSeen.UnixMilli()
	p["version"] = r.Version
	p["capabilities"] = r.Capabilities
	p["control"] = r.lease.view()
	return p
}

// Summary is the short listing used by GET /.
func (r *Robot) Summary() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"robotId":    r.ID,
		"online":     true,
		"lastSeen":   r.lastSeen.UnixMilli(),
		"mode":       protocol.Str(r.telemetry, "mode"),
		"hasControl": r.lease.ownerClientID != "",
	}
}

// Send marshals v and writes it to the robot socket. It reports whether the
// frame was delivered; a closed or failing socket drops the frame, the robot
// is offline at that instant and will be reaped.
func (r *Robot) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Error("marshal robot frame", zap.Error(err))
		return false
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.closed {
		return false
	}
	r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.log.Warn("robot write failed", zap.String("robotId", r.ID), zap.Error(err))
		return false
	}
	return true
}

// CloseConn terminates the robot socket. Safe to call more than once and
// concurrently with Send.
func (r *Robot) CloseConn() {
	r.writeMu.Lock()
	r.closed = true
	r.writeMu.Unlock()
	r.conn.Close()
}
