package handlers

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"fordward_relay/protocol"
	"fordward_relay/relay"
)

// motionKinds are the command kinds that move the robot and therefore
// require the control lease.
var motionKinds = map[string]bool{
	"teleop":   true,
	"goto_poi": true,
	"dock":     true,
	"navigate": true,
}

// handleCommand runs the operator command pipeline: existence, then
// authorisation for motion kinds, then validation/translation, then forward.
// A command to a robot whose socket has gone non-OPEN is dropped; the robot
// is offline at that instant and the reaper will get to it.
func (s *Server) handleCommand(client *relay.Client, frame *protocol.ClientFrame) {
	robotID := frame.Robot()

	var payload map[string]any
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.Log.Warn("malformed command payload",
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

	kind := protocol.Str(payload, "kind")
	if motionKinds[kind] {
		if rec.LeaseOwner() != client.ID {
			client.SendJSON(protocol.ErrorFrame(robotID, &protocol.RelayError{
				Code:    protocol.CodeNoControl,
				Message: "You do not hold control of " + robotID,
			}))
			return
		}
		rec.TouchCommand(time.Now())
	}

	pois, rawPois := rec.POICatalogue()
	cmd, relayErr := translateCommand(kind, payload, pois, rawPois, s.Cfg.MaxLinearVelocity, s.Cfg.MaxAngularVelocity)
	if relayErr != nil {
		client.SendJSON(protocol.ErrorFrame(robotID, relayErr))
		return
	}

	out := make(map[string]any, len(cmd)+1)
	out["type"] = "command"
	for k, v := range cmd {
		out[k] = v
	}
	if !rec.Send(out) {
		s.Log.Debug("command dropped, robot socket not open",
			zap.String("robotId", robotID),
			zap.String("kind", kind))
	}
}

// translateCommand validates one operator command and produces the
// robot-bound body (without the type wrapper). Unknown kinds, including the
// motion kinds the agent has no handler for yet, are rejected.
func translateCommand(kind string, payload map[string]any, pois []protocol.POI, rawPois []any, maxLinear, maxAngular float64) (map[string]any, *protocol.RelayError) {
	switch kind {
	case "teleop":
		return map[string]any{
			"command":   "teleop",
			"linear_x":  protocol.Clamp(protocol.Num(payload["linear_x"]), maxLinear),
			"angular_z": protocol.Clamp(protocol.Num(payload["angular_z"]), maxAngular),
		}, nil

	case "stop":
		return map[string]any{"command": "stop"}, nil

	case "set_mode":
		mode := protocol.Str(payload, "mode")
		if !protocol.ValidModes[mode] {
			return nil, &protocol.RelayError{
				Code:    protocol.CodeInvalidMode,
				Message: "Invalid mode: " + mode,
			}
		}
		return map[string]any{"command": "set_mode", "mode": mode}, nil

	case "load_map":
		name := protocol.Str(payload, "mapName", "map_name")
		if name == "" {
			return nil, &protocol.RelayError{
				Code:    protocol.CodeMissingParam,
				Message: "mapName is required",
			}
		}
		return map[string]any{"command": "load_map", "map_name": name}, nil

	case "save_map":
		name := protocol.Str(payload, "mapName", "map_name")
		if name == "" {
			return nil, &protocol.RelayError{
				Code:    protocol.CodeMissingParam,
				Message: "mapName is required",
			}
		}
		// Saving ends the SLAM session on the agent side.
		return map[string]any{"command": "stop_slam", "map_name": name}, nil

	case "goto_poi":
		id := protocol.Str(payload, "poiId", "poi_id")
		if id == "" {
			return nil, &protocol.RelayError{
				Code:    protocol.CodeMissingParam,
				Message: "poiId is required",
			}
		}
		// With no catalogue reported yet there is nothing to check against.
		if len(pois) > 0 && !poiKnown(pois, id) {
			return nil, &protocol.RelayError{
				Code:          protocol.CodeUnknownPOI,
				Message:       "Unknown POI: " + id,
				AvailablePois: rawPois,
			}
		}
		return map[string]any{"command": "go_to_poi", "poi_id": id}, nil

	case "cancel_nav":
		return map[string]any{"command": "cancel_nav"}, nil

	case "start_slam":
		return map[string]any{"command": "start_slam"}, nil

	case "restart":
		return map[string]any{"command": "restart"}, nil

	default:
		return nil, &protocol.RelayError{
			Code:    protocol.CodeUnknownCommand,
			Message: "Unknown command kind: " + kind,
		}
	}
}

func poiKnown(pois []protocol.POI, id string) bool {
	for _, p := range pois {
		if p.ID == id || p.Name == id {
			return true
		}
	}
	return false
}
