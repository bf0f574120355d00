// Package protocol defines the JSON wire frames exchanged with robot agents
// and operator clients. Incoming frames are discriminated solely by a "type"
// string; unrecognised types must be ignored by the caller. The robot agent
// sends some fields in snake_case; both spellings are accepted on input and
// only camelCase is emitted.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DefaultRobotID is assumed when a frame carries no robot id. Legacy
// convenience for the existing robot agent.
const DefaultRobotID = "fordward"

// Operator-visible error codes.
const (
	CodeRobotOffline   = "ROBOT_OFFLINE"
	CodeNoControl      = "NO_CONTROL"
	CodeControlDenied  = "CONTROL_DENIED"
	CodeInvalidMode    = "INVALID_MODE"
	CodeMissingParam   = "MISSING_PARAM"
	CodeUnknownPOI     = "UNKNOWN_POI"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
)

// RelayError is a validation or authorisation failure reported to the
// originating operator only.
type RelayError struct {
	Code          string
	Message       string
	Holder        string
	AvailablePois []any
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ClientFrame is a message from an operator client.
type ClientFrame struct {
	Type       string          `json:"type"`
	RobotID    string          `json:"robotId"`
	RobotIDAlt string          `json:"robot_id"`
	ClientName string          `json:"clientName"`
	Payload    json.RawMessage `json:"payload"`
}

// Robot resolves the robotId/robot_id alias and applies the default.
func (f *ClientFrame) Robot() string {
	if f.RobotID != "" {
		return f.RobotID
	}
	if f.RobotIDAlt != "" {
		return f.RobotIDAlt
	}
	return DefaultRobotID
}

// ControlPayload is the payload of a "control" frame.
type ControlPayload struct {
	Action     string `json:"action"`
	ClientName string `json:"clientName"`
}

// ──────────────────── Duck-typed field access ────────────────────

// Str returns the first non-empty string value among the given keys.
func Str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Num coerces a JSON value to a finite float64. Missing values, non-numeric
// values and non-finite numbers (NaN, ±Inf) all become 0.
func Num(v any) float64 {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		f, _ = val.Float64()
	case string:
		f, _ = strconv.ParseFloat(val, 64)
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Clamp limits v to the inclusive range [-limit, limit].
func Clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// ValidModes enumerates the accepted set_mode targets. Comparison is
// case-sensitive; "Nav" is not "nav".
var ValidModes = map[string]bool{
	"idle":         true,
	"slam":         true,
	"nav":          true,
	"localization": true,
}

// ──────────────────── Robot frames ────────────────────

// RobotIDFromFrame resolves the robot id of a robot-agent frame.
func RobotIDFromFrame(frame map[string]any) string {
	if id := Str(frame, "robotId", "robot_id"); id != "" {
		return id
	}
	return DefaultRobotID
}

// TelemetryFromFrame returns the telemetry snapshot carried by a telemetry
// frame: the payload object when present, otherwise one synthesised from the
// flat top-level fields the older agent firmware sends.
func TelemetryFromFrame(frame map[string]any) map[string]any {
	if p, ok := frame["payload"].(map[string]any); ok {
		return p
	}
	t := make(map[string]any)
	if mode := Str(frame, "mode", "state"); mode != "" {
		t["mode"] = mode
	}
	for _, k := range []string{"pose", "battery", "nav", "maps", "pois"} {
		if v, ok := frame[k]; ok {
			t[k] = v
		}
	}
	return t
}

// POI is one point of interest from a robot's telemetry.
type POI struct {
	ID   string
	Name string
}

// POICatalogue extracts the robot's POI list from its telemetry snapshot.
// It returns both the parsed entries and the raw list for echoing back in
// UNKNOWN_POI errors. An absent or empty list yields (nil, nil).
func POICatalogue(telemetry map[string]any) ([]POI, []any) {
	raw, ok := telemetry["pois"].([]any)
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	pois := make([]POI, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pois = append(pois, POI{ID: asString(m["id"]), Name: asString(m["name"])})
	}
	return pois, raw
}

// asString renders an id-ish value for comparison. Agents report POI ids as
// either strings or numbers; integral floats print without the decimal part.
func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// ──────────────────── Outbound builders ────────────────────

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Welcome is the first frame sent to a freshly accepted operator.
func Welcome(clientID string, robots []map[string]any) map[string]any {
	if robots == nil {
		robots = []map[string]any{}
	}
	return map[string]any{
		"type":      "welcome",
		"clientId":  clientID,
		"robots":    robots,
		"timestamp": nowMillis(),
	}
}

// RobotWelcome is the first frame sent to a freshly registered robot. It
// carries the server time and the safety envelope the agent must respect.
func RobotWelcome(telemetryRateHz int, maxLinear, maxAngular float64) map[string]any {
	return map[string]any{
		"type":               "welcome",
		"serverTime":         nowMillis(),
		"telemetryRateHz":    telemetryRateHz,
		"maxLinearVelocity":  maxLinear,
		"maxAngularVelocity": maxAngular,
	}
}

// State builds a state frame for subscribers: the telemetry snapshot plus
// the control view the same handler observed.
func State(robotID string, telemetry map[string]any, online bool, control map[string]any) map[string]any {
	msg := make(map[string]any, len(telemetry)+5)
	for k, v := range telemetry {
		msg[k] = v
	}
	msg["type"] = "state"
	msg["robotId"] = robotID
	msg["online"] = online
	msg["control"] = control
	msg["timestamp"] = nowMillis()
	return msg
}

// OfflineState is the placeholder snapshot for a robot the relay does not
// currently know.
func OfflineState(robotID string) map[string]any {
	return map[string]any{
		"type":    "state",
		"robotId": robotID,
		"online":  false,
		"mode":    "unknown",
		"control": map[string]any{"ownerClientId": nil, "ownerName": nil},
	}
}

// Event builds a lifecycle event frame. Extra fields are merged into the
// payload next to the kind.
func Event(kind, robotID string, fields map[string]any) map[string]any {
	payload := map[string]any{
		"kind":      kind,
		"timestamp": nowMillis(),
	}
	for k, v := range fields {
		payload[k] = v
	}
	msg := map[string]any{
		"type":    "event",
		"payload": payload,
	}
	if robotID != "" {
		msg["robotId"] = robotID
	}
	return msg
}

// ErrorFrame reports a RelayError to the originating operator.
func ErrorFrame(robotID string, err *RelayError) map[string]any {
	msg := map[string]any{
		"type":    "error",
		"code":    err.Code,
		"message": err.Message,
	}
	if robotID != "" {
		msg["robotId"] = robotID
	}
	if err.Holder != "" {
		msg["holder"] = err.Holder
	}
	if err.AvailablePois != nil {
		msg["availablePois"] = err.AvailablePois
	}
	return msg
}

// Pong answers an application-level ping.
func Pong() map[string]any {
	return map[string]any{
		"type":      "pong",
		"timestamp": nowMillis(),
	}
}
