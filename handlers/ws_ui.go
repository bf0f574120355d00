package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fordward_relay/protocol"
)

// UIWSHandler terminates the /ui endpoint. Each operator gets a generated
// client id, a welcome frame with the current robot snapshot, and a session
// loop that routes its frames into the control and command pipelines.
func (s *Server) UIWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("ui upgrade failed", zap.Error(err))
		return
	}
	log := s.Log.Named("ui")

	client := s.Hub.Add(conn, s.Cfg.PingInterval)
	log.Info("operator connected",
		zap.String("clientId", client.ID),
		zap.String("remote", conn.RemoteAddr().String()))

	client.SendJSON(protocol.Welcome(client.ID, s.Registry.Snapshot()))

	pongWait := 2 * s.Cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer func() {
		// Leases held by this operator die with it, before the client record
		// is dropped.
		for _, rec := range s.Registry.All() {
			robotID := rec.ID
			if rec.ReleaseIfOwner(client.ID, func() {
				s.Hub.BroadcastSubscribers(robotID, protocol.Event("control_released", robotID, map[string]any{
					"robotId": robotID,
					"reason":  "owner_disconnected",
				}))
			}) {
				log.Info("lease released on disconnect",
					zap.String("clientId", client.ID),
					zap.String("robotId", robotID))
			}
		}
		s.Hub.Remove(client)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("ui read error", zap.String("clientId", client.ID), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("malformed ui frame", zap.String("clientId", client.ID), zap.Error(err))
			continue
		}

		switch frame.Type {
		case "subscribe":
			robotID := frame.Robot()
			client.SetName(frame.ClientName)
			client.Subscribe(robotID)
			if rec, ok := s.Registry.Get(robotID); ok {
				client.SendJSON(rec.StateFrame())
			} else {
				client.SendJSON(protocol.OfflineState(robotID))
			}

		case "unsubscribe":
			client.Unsubscribe(frame.Robot())

		case "control":
			s.handleControl(client, &frame)

		case "command":
			s.handleCommand(client, &frame)

		case "ping":
			client.SendJSON(protocol.Pong())

		default:
			log.Warn("unknown ui frame type",
				zap.String("clientId", client.ID),
				zap.String("type", frame.Type))
		}
	}
}
