package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/budlink/internal/auth"
	"github.com/nerrad567/budlink/internal/codec"
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/dispatch"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/infrastructure/config"
	"github.com/nerrad567/budlink/internal/infrastructure/logging"
	"github.com/nerrad567/budlink/internal/recorder"
	"github.com/nerrad567/budlink/internal/session"
	"github.com/nerrad567/budlink/internal/transport"
)

const (
	podsMAC    = "AA:BB:CC:DD:EE:01"
	testSecret = "test-secret-key-at-least-32-characters-long"
)

// mockCommander queues commands on a real dispatcher so tickets behave
// as in production. execErr, when set, is returned by Execute.
type mockCommander struct {
	mu        sync.Mutex
	disp      *dispatch.Dispatcher
	connected map[string]bool
	execErr   error
	sendErr   error
	calls     []commandRequest
}

func newMockCommander(t *testing.T) *mockCommander {
	t.Helper()
	m := &mockCommander{
		disp:      dispatch.New(dispatch.Config{QueueSize: 4, CommandTimeout: time.Second}),
		connected: map[string]bool{podsMAC: true},
	}
	err := m.disp.Attach(podsMAC, dispatch.TransportFunc(func(context.Context, codec.Command) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.sendErr
	}))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(m.disp.Close)
	return m
}

func (m *mockCommander) Execute(_ context.Context, deviceID, command string, params map[string]any) (*session.Submission, error) {
	m.mu.Lock()
	m.calls = append(m.calls, commandRequest{Command: command, Parameters: params})
	execErr := m.execErr
	m.mu.Unlock()
	if execErr != nil {
		return nil, execErr
	}

	ticket, err := m.disp.Dispatch(deviceID, "cmd-1", codec.Command{Family: device.FamilyAirPods, Label: "ListeningMode"})
	if err != nil {
		return nil, err
	}
	return &session.Submission{
		CommandID: "cmd-1",
		DeviceID:  deviceID,
		Field:     device.FieldListeningMode,
		Value:     device.ListeningModeTransparency,
		Command:   "ListeningMode",
		Ticket:    ticket,
	}, nil
}

func (m *mockCommander) Connected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[id]
}

func (m *mockCommander) Statuses() []session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Status
	for id, c := range m.connected {
		out = append(out, session.Status{DeviceID: id, Family: device.FamilyAirPods, Connected: c})
	}
	return out
}

type mockHistory struct {
	entries []device.HistoryEntry
	field   device.Field
	limit   int
}

func (h *mockHistory) RecordTransition(context.Context, device.Transition) error { return nil }

func (h *mockHistory) GetHistory(_ context.Context, _ string, field device.Field, limit int) ([]device.HistoryEntry, error) {
	h.field, h.limit = field, limit
	return h.entries, nil
}

func (h *mockHistory) PruneHistory(context.Context, time.Duration) (int64, error) { return 0, nil }

type mockCommandLog struct{}

func (mockCommandLog) Recent(_ context.Context, deviceID string, _ int) ([]recorder.CommandLogEntry, error) {
	return []recorder.CommandLogEntry{{ID: 1, CommandID: "cmd-1", DeviceID: deviceID, Outcome: "ok", Attempts: 1}}, nil
}

type testEnv struct {
	srv       *Server
	router    http.Handler
	store     *device.Store
	commander *mockCommander
	history   *mockHistory
	bus       *events.Bus
}

// testServer creates a Server over a real store and bus. secret enables
// JWT auth when non-empty.
func testServer(t *testing.T, secret string) *testEnv {
	t.Helper()

	store := device.NewStore(time.Minute)
	if _, err := store.Create(podsMAC, device.FamilyAirPods, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	commander := newMockCommander(t)
	history := &mockHistory{}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security:  config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:    log,
		Devices:   store,
		Commander: commander,
		Bus:       bus,
		History:   history,
		Commands:  mockCommandLog{},
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{srv: srv, router: srv.Handler(), store: store, commander: commander, history: history, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func mustToken(t *testing.T, scope auth.Scope) string {
	t.Helper()
	token, err := auth.GenerateToken("test", scope, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() with no deps should fail")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t, "")
	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["connected"] != float64(1) {
		t.Errorf("connected = %v, want 1", resp["connected"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := testServer(t, "")
	env.commander.connected["AA:BB:CC:DD:EE:02"] = false

	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/health", "", ""))
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := testServer(t, testSecret)
	if w := env.do(t, http.MethodGet, "/api/v1/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := testServer(t, "")

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestAuth(t *testing.T) {
	env := testServer(t, testSecret)
	read := mustToken(t, auth.ScopeRead)
	control := mustToken(t, auth.ScopeControl)
	body := `{"command":"set_listening_mode","parameters":{"mode":"transparency"}}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/devices", "", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/v1/devices", "", "nope", http.StatusUnauthorized},
		{"read lists", http.MethodGet, "/api/v1/devices", "", read, http.StatusOK},
		{"read cannot command", http.MethodPost, "/api/v1/devices/" + podsMAC + "/commands", body, read, http.StatusForbidden},
		{"read cannot open window", http.MethodPost, "/api/v1/window", "", read, http.StatusForbidden},
		{"control commands", http.MethodPost, "/api/v1/devices/" + podsMAC + "/commands", body, control, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body, tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuth_QueryToken(t *testing.T) {
	env := testServer(t, testSecret)
	w := env.do(t, http.MethodGet, "/api/v1/devices?token="+mustToken(t, auth.ScopeRead), "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// ─── Device Endpoint Tests ─────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := testServer(t, "")
	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/devices", "", ""))

	if resp["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", resp["count"])
	}
	devices := resp["devices"].([]any)
	d := devices[0].(map[string]any)
	if d["id"] != podsMAC {
		t.Errorf("id = %v, want %s", d["id"], podsMAC)
	}
	if d["family"] != "airpods" {
		t.Errorf("family = %v, want airpods", d["family"])
	}
	if d["connected"] != true {
		t.Errorf("connected = %v, want true", d["connected"])
	}
}

func TestGetDevice(t *testing.T) {
	env := testServer(t, "")

	w := env.do(t, http.MethodGet, "/api/v1/devices/aa-bb-cc-dd-ee-01", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if id := decode(t, w)["id"]; id != podsMAC {
		t.Errorf("id = %v, want %s", id, podsMAC)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/AA:BB:CC:DD:EE:99", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/devices/not-a-mac", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad mac status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCommand_Queued(t *testing.T) {
	env := testServer(t, "")
	w := env.do(t, http.MethodPost, "/api/v1/devices/"+podsMAC+"/commands",
		`{"command":"set_listening_mode","parameters":{"mode":"transparency"}}`, "")

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	resp := decode(t, w)
	if resp["command_id"] != "cmd-1" || resp["status"] != "queued" {
		t.Errorf("response = %v", resp)
	}
	if len(env.commander.calls) != 1 || env.commander.calls[0].Parameters["mode"] != "transparency" {
		t.Errorf("calls = %+v", env.commander.calls)
	}
}

func TestCommand_Wait(t *testing.T) {
	env := testServer(t, "")
	w := env.do(t, http.MethodPost, "/api/v1/devices/"+podsMAC+"/commands?wait=true",
		`{"command":"set_listening_mode","parameters":{"mode":"transparency"}}`, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != "delivered" || resp["attempts"] != float64(1) {
		t.Errorf("response = %v", resp)
	}
}

func TestCommand_WaitFailure(t *testing.T) {
	env := testServer(t, "")
	env.commander.sendErr = transport.NewError(transport.ReasonRejected, "aacp write", nil)

	w := env.do(t, http.MethodPost, "/api/v1/devices/"+podsMAC+"/commands?wait=true",
		`{"command":"set_listening_mode","parameters":{"mode":"transparency"}}`, "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		execErr error
		want    int
		code    string
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing command", `{}`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown command", `{"command":"x"}`, session.ErrUnknownCommand, http.StatusBadRequest, ErrCodeValidation},
		{"bad value", `{"command":"x"}`, device.ErrInvalidValue, http.StatusBadRequest, ErrCodeValidation},
		{"not found", `{"command":"x"}`, device.ErrDeviceNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"disconnected", `{"command":"x"}`, transport.NewError(transport.ReasonDisconnected, "dispatch", nil), http.StatusServiceUnavailable, ErrCodeUnreachable},
		{"queue full", `{"command":"x"}`, transport.NewError(transport.ReasonQueueFull, "dispatch", nil), http.StatusTooManyRequests, ErrCodeBusy},
		{"other", `{"command":"x"}`, errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t, "")
			env.commander.execErr = tt.execErr

			w := env.do(t, http.MethodPost, "/api/v1/devices/"+podsMAC+"/commands", tt.body, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if code := decode(t, w)["code"]; code != tt.code {
				t.Errorf("code = %v, want %s", code, tt.code)
			}
		})
	}
}

func TestDeviceHistory(t *testing.T) {
	env := testServer(t, "")
	env.history.entries = []device.HistoryEntry{{ID: 1, DeviceID: podsMAC, Field: device.FieldANCMode, Status: device.StatusConfirmed}}

	w := env.do(t, http.MethodGet, "/api/v1/devices/"+podsMAC+"/history?field=anc_mode&limit=5", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if decode(t, w)["count"] != float64(1) {
		t.Errorf("count mismatch: %s", w.Body.String())
	}
	if env.history.field != device.FieldANCMode || env.history.limit != 5 {
		t.Errorf("query = %s/%d", env.history.field, env.history.limit)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/"+podsMAC+"/history?limit=-1", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeviceHistory_Disabled(t *testing.T) {
	env := testServer(t, "")
	env.srv.history = nil
	env.router = env.srv.Handler()

	if w := env.do(t, http.MethodGet, "/api/v1/devices/"+podsMAC+"/history", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestCommandLog(t *testing.T) {
	env := testServer(t, "")
	w := env.do(t, http.MethodGet, "/api/v1/devices/"+podsMAC+"/commands", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	entries := decode(t, w)["entries"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["outcome"] != "ok" {
		t.Errorf("entries = %v", entries)
	}
}

func TestOpenWindow(t *testing.T) {
	env := testServer(t, "")
	sub := env.bus.Subscribe(4, events.KindOpenWindow)

	w := env.do(t, http.MethodPost, "/api/v1/window", "", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	select {
	case ev := <-sub.C():
		if decode(t, w)["event_id"] != ev.ID {
			t.Errorf("event id mismatch")
		}
	case <-time.After(time.Second):
		t.Fatal("no open_window event")
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func TestHub_BroadcastToSubscribed(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	subscribed := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"state_changed": {}},
	}
	other := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"device_connected": {}},
	}
	hub.Register(subscribed)
	hub.Register(other)

	hub.Broadcast("state_changed", map[string]any{"device_id": podsMAC})

	select {
	case msg := <-subscribed.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != "state_changed" {
			t.Errorf("event_type = %q, want state_changed", wsMsg.EventType)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}

	select {
	case <-other.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(50 * time.Millisecond):
	}

	hub.Unregister(subscribed)
	hub.Unregister(other)
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", hub.ClientCount())
	}
}

func TestWebSocket_EventStream(t *testing.T) {
	env := testServer(t, testSecret)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx, env.bus)
	// Run subscribes asynchronously.
	deadline := time.Now().Add(time.Second)
	for env.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ts := httptest.NewServer(env.router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + mustToken(t, auth.ScopeRead)

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil); err == nil {
		t.Fatal("dial without token should fail")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{WSChannelAll}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}

	var resp WSMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "1" {
		t.Fatalf("response = %+v", resp)
	}

	env.bus.Publish(events.NoOp())
	env.bus.Publish(events.DeviceConnected(podsMAC, device.FamilyAirPods))

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != string(events.KindDeviceConnected) {
		t.Errorf("event = %+v", msg)
	}
}
