package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fordward_relay/config"
	"fordward_relay/relay"
)

// newTestRelay stands up the full endpoint surface the way main wires it.
func newTestRelay(t *testing.T) (*Server, string) {
	t.Helper()
	log := zap.NewNop()
	srv := &Server{
		Registry: relay.NewRegistry(log),
		Hub:      relay.NewHub(log),
		Cfg:      config.Load(),
		Log:      log,
	}

	router := chi.NewRouter()
	router.Get("/", srv.Root)
	router.Get("/health", srv.Health)
	router.Get("/robots", srv.ListRobots)
	router.Get("/robots/{robotID}", srv.GetRobot)
	router.Get("/robot", srv.RobotWSHandler)
	router.Get("/ui", srv.UIWSHandler)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialWS(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// expectFrame reads the next frame and asserts its type. Responses to a
// session's own frames arrive in send order, so sequential reads are
// deterministic.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame (want %q): %v", wantType, err)
	}
	if msg["type"] != wantType {
		t.Fatalf("frame type = %v, want %q (frame: %v)", msg["type"], wantType, msg)
	}
	return msg
}

func expectEvent(t *testing.T, conn *websocket.Conn, wantKind string) map[string]any {
	t.Helper()
	msg := expectFrame(t, conn, "event")
	payload, ok := msg["payload"].(map[string]any)
	if !ok {
		t.Fatalf("event without payload: %v", msg)
	}
	if payload["kind"] != wantKind {
		t.Fatalf("event kind = %v, want %q (payload: %v)", payload["kind"], wantKind, payload)
	}
	return payload
}

// registerRobot connects a robot, sends hello and consumes the welcome.
func registerRobot(t *testing.T, base, robotID string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, base, "/robot")
	sendJSON(t, conn, map[string]any{
		"type":         "hello",
		"robotId":      robotID,
		"version":      "0.1.0",
		"capabilities": []string{"pose"},
	})
	welcome := expectFrame(t, conn, "welcome")
	if welcome["maxLinearVelocity"] != 0.5 || welcome["maxAngularVelocity"] != 1.5 {
		t.Fatalf("welcome safety config wrong: %v", welcome)
	}
	return conn
}

// connectOperator connects an operator, consumes the welcome and subscribes.
func connectOperator(t *testing.T, base, robotID, name string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, base, "/ui")
	welcome := expectFrame(t, conn, "welcome")
	if welcome["clientId"] == nil {
		t.Fatalf("welcome without clientId: %v", welcome)
	}
	sendJSON(t, conn, map[string]any{"type": "subscribe", "robotId": robotID, "clientName": name})
	expectFrame(t, conn, "state")
	return conn
}

func TestRelay_RegistrationAndTelemetryFanout(t *testing.T) {
	_, base := newTestRelay(t)

	robot := registerRobot(t, base, "fordward")
	a := connectOperator(t, base, "fordward", "A")
	b := connectOperator(t, base, "fordward", "B")

	sendJSON(t, robot, map[string]any{
		"type":    "telemetry",
		"robotId": "fordward",
		"payload": map[string]any{
			"mode":    "idle",
			"battery": map[string]any{"percent": 80, "voltage": 7.6},
		},
	})

	for _, op := range []*websocket.Conn{a, b} {
		state := expectFrame(t, op, "state")
		if state["mode"] != "idle" || state["online"] != true {
			t.Fatalf("state = %v", state)
		}
		battery := state["battery"].(map[string]any)
		if battery["percent"] != 80.0 {
			t.Fatalf("battery = %v", battery)
		}
		control := state["control"].(map[string]any)
		if control["ownerClientId"] != nil {
			t.Fatalf("control should be unowned: %v", control)
		}
	}
}

func TestRelay_OperatorSeesRobotComeOnline(t *testing.T) {
	_, base := newTestRelay(t)

	op := dialWS(t, base, "/ui")
	welcome := expectFrame(t, op, "welcome")
	if robots := welcome["robots"].([]any); len(robots) != 0 {
		t.Fatalf("expected empty robot list, got %v", robots)
	}

	registerRobot(t, base, "fordward")
	payload := expectEvent(t, op, "robot_online")
	if payload["robotId"] != "fordward" || payload["version"] != "0.1.0" {
		t.Fatalf("robot_online payload = %v", payload)
	}
}

func TestRelay_ControlArbitrationAndTeleop(t *testing.T) {
	_, base := newTestRelay(t)

	robot := registerRobot(t, base, "fordward")
	a := connectOperator(t, base, "fordward", "A")
	b := connectOperator(t, base, "fordward", "B")

	// A acquires; both subscribers see the broadcast.
	sendJSON(t, a, map[string]any{
		"type": "control", "robotId": "fordward",
		"payload": map[string]any{"action": "request", "clientName": "A"},
	})
	for _, op := range []*websocket.Conn{a, b} {
		payload := expectEvent(t, op, "control_acquired")
		if payload["ownerName"] != "A" {
			t.Fatalf("ownerName = %v", payload["ownerName"])
		}
	}

	// B is denied, requester-only, with the holder's name.
	sendJSON(t, b, map[string]any{
		"type": "control", "robotId": "fordward",
		"payload": map[string]any{"action": "request", "clientName": "B"},
	})
	denial := expectFrame(t, b, "error")
	if denial["code"] != "CONTROL_DENIED" || denial["holder"] != "A" {
		t.Fatalf("denial = %v", denial)
	}

	// B cannot move the robot.
	sendJSON(t, b, map[string]any{
		"type": "command", "robotId": "fordward",
		"payload": map[string]any{"kind": "teleop", "linear_x": 0.1, "angular_z": 0},
	})
	noControl := expectFrame(t, b, "error")
	if noControl["code"] != "NO_CONTROL" {
		t.Fatalf("error = %v", noControl)
	}

	// A's oversized teleop reaches the robot clamped.
	sendJSON(t, a, map[string]any{
		"type": "command", "robotId": "fordward",
		"payload": map[string]any{"kind": "teleop", "linear_x": 2.0, "angular_z": -5.0},
	})
	robot.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cmd map[string]any
	if err := robot.ReadJSON(&cmd); err != nil {
		t.Fatalf("robot read: %v", err)
	}
	if cmd["type"] != "command" || cmd["command"] != "teleop" {
		t.Fatalf("robot frame = %v", cmd)
	}
	if cmd["linear_x"] != 0.5 || cmd["angular_z"] != -1.5 {
		t.Fatalf("clamping failed: %v", cmd)
	}
}

func TestRelay_OwnerDisconnectReleasesLease(t *testing.T) {
	srv, base := newTestRelay(t)

	registerRobot(t, base, "fordward")
	a := connectOperator(t, base, "fordward", "A")
	b := connectOperator(t, base, "fordward", "B")

	sendJSON(t, a, map[string]any{
		"type": "control", "robotId": "fordward",
		"payload": map[string]any{"action": "request", "clientName": "A"},
	})
	expectEvent(t, a, "control_acquired")
	expectEvent(t, b, "control_acquired")

	a.Close()

	payload := expectEvent(t, b, "control_released")
	if payload["reason"] != "owner_disconnected" {
		t.Fatalf("reason = %v", payload["reason"])
	}

	rec, ok := srv.Registry.Get("fordward")
	if !ok {
		t.Fatal("robot vanished")
	}
	if owner := rec.LeaseOwner(); owner != "" {
		t.Fatalf("lease still owned by %q", owner)
	}

	// B can now take the lease.
	sendJSON(t, b, map[string]any{
		"type": "control", "robotId": "fordward",
		"payload": map[string]any{"action": "request", "clientName": "B"},
	})
	granted := expectEvent(t, b, "control_acquired")
	if granted["ownerName"] != "B" {
		t.Fatalf("ownerName = %v", granted["ownerName"])
	}
}

func TestRelay_RobotDisconnectBroadcastsOffline(t *testing.T) {
	_, base := newTestRelay(t)

	robot := registerRobot(t, base, "fordward")
	op := connectOperator(t, base, "fordward", "A")

	robot.Close()
	payload := expectEvent(t, op, "robot_offline")
	if payload["robotId"] != "fordward" || payload["reason"] != "disconnected" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestRelay_RehelloWithNewIDRetiresOldRecord(t *testing.T) {
	srv, base := newTestRelay(t)

	robot := registerRobot(t, base, "alpha")
	op := connectOperator(t, base, "beta", "A")

	// Same socket, new identity.
	sendJSON(t, robot, map[string]any{"type": "hello", "robotId": "beta", "version": "0.2.0"})
	expectFrame(t, robot, "welcome")

	online := expectEvent(t, op, "robot_online")
	if online["robotId"] != "beta" {
		t.Fatalf("robot_online = %v", online)
	}
	offline := expectEvent(t, op, "robot_offline")
	if offline["robotId"] != "alpha" {
		t.Fatalf("robot_offline = %v", offline)
	}

	if _, ok := srv.Registry.Get("alpha"); ok {
		t.Fatal("old record still registered after re-hello")
	}
	if _, ok := srv.Registry.Get("beta"); !ok {
		t.Fatal("new record missing after re-hello")
	}

	// The shared socket must survive the old record's retirement.
	sendJSON(t, robot, map[string]any{
		"type": "telemetry", "robotId": "beta",
		"payload": map[string]any{"mode": "idle"},
	})
	state := expectFrame(t, op, "state")
	if state["robotId"] != "beta" || state["mode"] != "idle" {
		t.Fatalf("state = %v", state)
	}
}

func TestRelay_CommandToUnknownRobot(t *testing.T) {
	_, base := newTestRelay(t)

	op := dialWS(t, base, "/ui")
	expectFrame(t, op, "welcome")

	sendJSON(t, op, map[string]any{
		"type": "command", "robotId": "ghost",
		"payload": map[string]any{"kind": "stop"},
	})
	errFrame := expectFrame(t, op, "error")
	if errFrame["code"] != "ROBOT_OFFLINE" {
		t.Fatalf("error = %v", errFrame)
	}
}

func TestRelay_SubscribeUnknownRobotGetsPlaceholder(t *testing.T) {
	_, base := newTestRelay(t)

	op := dialWS(t, base, "/ui")
	expectFrame(t, op, "welcome")

	sendJSON(t, op, map[string]any{"type": "subscribe", "robotId": "ghost"})
	state := expectFrame(t, op, "state")
	if state["online"] != false || state["mode"] != "unknown" {
		t.Fatalf("placeholder = %v", state)
	}
}

func TestRelay_PingPong(t *testing.T) {
	_, base := newTestRelay(t)

	op := dialWS(t, base, "/ui")
	expectFrame(t, op, "welcome")

	sendJSON(t, op, map[string]any{"type": "ping"})
	pong := expectFrame(t, op, "pong")
	if pong["timestamp"] == nil {
		t.Fatalf("pong = %v", pong)
	}
}

func TestRelay_UnknownFrameTypesIgnored(t *testing.T) {
	_, base := newTestRelay(t)

	op := dialWS(t, base, "/ui")
	expectFrame(t, op, "welcome")

	// Unknown types and malformed JSON drop the frame, not the connection.
	sendJSON(t, op, map[string]any{"type": "telepathy"})
	op.SetWriteDeadline(time.Now().Add(2 * time.Second))
	op.WriteMessage(websocket.TextMessage, []byte("{not json"))

	sendJSON(t, op, map[string]any{"type": "ping"})
	expectFrame(t, op, "pong")
}
