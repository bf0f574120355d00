package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fordward_relay/protocol"
	"fordward_relay/relay"
)

// RobotWSHandler terminates the /robot endpoint. One connection carries one
// robot session; the session owns the read side while writes go through the
// registry record so commands and welcomes share a single writer.
func (s *Server) RobotWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("robot upgrade failed", zap.Error(err))
		return
	}
	log := s.Log.Named("robot")
	log.Info("robot socket accepted", zap.String("remote", conn.RemoteAddr().String()))

	pongWait := 2 * s.Cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Transport-level liveness. WriteControl is safe alongside the record's
	// frame writes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.Cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	var rec *relay.Robot
	defer func() {
		conn.Close()
		if rec == nil {
			return
		}
		rec.CloseConn()
		if s.Registry.Remove(rec.ID, rec) {
			log.Info("robot disconnected", zap.String("robotId", rec.ID))
			s.Hub.BroadcastAll(protocol.Event("robot_offline", rec.ID, map[string]any{
				"robotId": rec.ID,
				"reason":  "disconnected",
			}))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("robot read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("malformed robot frame", zap.Error(err))
			continue
		}

		now := time.Now()
		if rec != nil {
			rec.Touch(now)
		}

		switch protocol.Str(frame, "type") {
		case "hello", "register":
			prev := rec
			rec = s.handleRobotHello(frame, conn, now, log)
			if prev != nil && prev.ID != rec.ID {
				// The session re-registered under a new id. The old record
				// shares this socket, so it is retired without a close;
				// leaving it would let the reaper kill the live session once
				// its frozen lastSeen goes stale.
				if s.Registry.Remove(prev.ID, prev) {
					log.Info("robot re-registered under new id",
						zap.String("oldRobotId", prev.ID),
						zap.String("robotId", rec.ID))
					s.Hub.BroadcastAll(protocol.Event("robot_offline", prev.ID, map[string]any{
						"robotId": prev.ID,
						"reason":  "disconnected",
					}))
				}
			}

		case "telemetry":
			if rec == nil {
				log.Warn("telemetry before hello, ignoring")
				continue
			}
			state := rec.ApplyTelemetry(protocol.TelemetryFromFrame(frame), now)
			s.Hub.BroadcastSubscribers(rec.ID, state)

		case "command_result":
			if rec == nil {
				continue
			}
			fields := map[string]any{"robotId": rec.ID}
			for _, k := range []string{"command", "success", "message", "timestamp"} {
				if v, ok := frame[k]; ok {
					fields[k] = v
				}
			}
			s.Hub.BroadcastSubscribers(rec.ID, protocol.Event("command_result", rec.ID, fields))

		default:
			log.Warn("unknown robot frame type",
				zap.String("type", protocol.Str(frame, "type")))
		}
	}
}

// handleRobotHello upserts the registry entry, answers with the safety
// envelope and announces the robot to all operators.
func (s *Server) handleRobotHello(frame map[string]any, conn *websocket.Conn, now time.Time, log *zap.Logger) *relay.Robot {
	id := protocol.RobotIDFromFrame(frame)
	version := protocol.Str(frame, "version")
	if version == "" {
		version = "0.0.0"
	}
	capabilities := stringSlice(frame["capabilities"])
	if capabilities == nil {
		capabilities = []string{"pose", "battery", "mode"}
	}

	_, rec := s.Registry.Upsert(id, version, capabilities, conn, now)
	log.Info("robot registered",
		zap.String("robotId", id),
		zap.String("version", version),
		zap.Strings("capabilities", capabilities))

	rec.Send(protocol.RobotWelcome(s.Cfg.TelemetryRateHz, s.Cfg.MaxLinearVelocity, s.Cfg.MaxAngularVelocity))
	s.Hub.BroadcastAll(protocol.Event("robot_online", id, map[string]any{
		"robotId":      id,
		"version":      version,
		"capabilities": capabilities,
	}))
	return rec
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
