package handlers

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"fordward_relay/protocol"
	"fordward_relay/relay"
)

// handleControl drives the per-robot control-lease state machine from an
// operator "control" frame. Transition broadcasts go to the robot's
// subscribers; denials go to the requester only.
func (s *Server) handleControl(client *relay.Client, frame *protocol.ClientFrame) {
	robotID := frame.Robot()

	var payload protocol.ControlPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.Log.Warn("malformed control payload",
				zap.String("clientId", client.ID), zap.Error(err))
			return
		}
	}

	rec, ok := s.Registry.Get(robotID)
	if !ok {
		client.SendJSON(protocol.ErrorFrame(robotID, &protocol.RelayError{
			Code:    protocol.CodeRobotOffline,
			Message: "Robot " + robotID + " is not connected",
		}))
		return
	}

	now := time.Now()
	switch payload.Action {
	case "request":
		client.SetName(payload.ClientName)
		ownerName := client.Name()
		// The broadcast is enqueued inside the lease transition so it is
		// ordered ahead of any state frame reflecting the new owner.
		outcome, holder := rec.RequestControl(client.ID, ownerName, now, func() {
			s.Hub.BroadcastSubscribers(robotID, protocol.Event("control_acquired", robotID, map[string]any{
				"robotId":       robotID,
				"ownerClientId": client.ID,
				"ownerName":     ownerName,
			}))
		})
		switch outcome {
		case relay.LeaseGranted:
			s.Log.Info("control acquired",
				zap.String("robotId", robotID),
				zap.String("clientId", client.ID))
		case relay.LeaseConfirmed:
			client.SendJSON(protocol.Event("control_confirmed", robotID, map[string]any{
				"robotId":       robotID,
				"ownerClientId": client.ID,
				"ownerName":     client.Name(),
			}))
		case relay.LeaseDenied:
			client.SendJSON(protocol.ErrorFrame(robotID, &protocol.RelayError{
				Code:    protocol.CodeControlDenied,
				Message: "Robot is controlled by " + holder,
				Holder:  holder,
			}))
		}

	case "release":
		// A successful release is only observable through the broadcast; the
		// requester gets no direct acknowledgement. Releases from non-owners
		// are silent no-ops.
		if rec.ReleaseControl(client.ID, func() {
			s.Hub.BroadcastSubscribers(robotID, protocol.Event("control_released", robotID, map[string]any{
				"robotId": robotID,
			}))
		}) {
			s.Log.Info("control released",
				zap.String("robotId", robotID),
				zap.String("clientId", client.ID))
		}

	case "force":
		client.SetName(payload.ClientName)
		ownerName := client.Name()
		prev := rec.ForceControl(client.ID, ownerName, now, func(previousOwner string) {
			s.Hub.BroadcastSubscribers(robotID, protocol.Event("control_forced", robotID, map[string]any{
				"robotId":       robotID,
				"ownerClientId": client.ID,
				"ownerName":     ownerName,
				"previousOwner": previousOwner,
			}))
		})
		s.Log.Info("control forced",
			zap.String("robotId", robotID),
			zap.String("clientId", client.ID),
			zap.String("previousOwner", prev))

	default:
		s.Log.Warn("unknown control action",
			zap.String("clientId", client.ID),
			zap.String("action", payload.Action))
	}
}
