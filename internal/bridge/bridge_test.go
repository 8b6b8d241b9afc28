package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/budlink/internal/codec"
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/dispatch"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/budlink/internal/session"
	"github.com/nerrad567/budlink/internal/transport"
)

const (
	podsMAC    = "AA:BB:CC:DD:EE:01"
	nothingMAC = "AA:BB:CC:DD:EE:02"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// mockMQTT records publishes and keeps subscription handlers.
type mockMQTT struct {
	mu        sync.Mutex
	messages  []published
	handlers  map[string]mqtt.MessageHandler
	connected bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]mqtt.MessageHandler), connected: true}
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) on(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.messages {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// send delivers a command as the broker would.
func (m *mockMQTT) send(t *testing.T, deviceID string, cmd CommandMessage) {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[mqtt.Topics{}.AllDeviceCommands()]
	m.mu.Unlock()
	require.NotNil(t, h, "bridge not subscribed")

	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, h(mqtt.Topics{}.DeviceCommand(deviceID), payload))
}

type stubLink struct {
	mu       sync.Mutex
	handlers session.Handlers
	sent     []codec.Command
	sendErr  error
}

func (l *stubLink) Send(_ context.Context, cmd codec.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, cmd)
	return nil
}

func (l *stubLink) Close() error { return nil }

func (l *stubLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

type stubConnector struct {
	mu      sync.Mutex
	links   map[string]*stubLink
	sendErr error
}

func (c *stubConnector) Connect(_ context.Context, id string, _ device.Family, h session.Handlers) (session.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &stubLink{handlers: h, sendErr: c.sendErr}
	c.links[id] = l
	return l, nil
}

func (c *stubConnector) link(id string) *stubLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[id]
}

type fixture struct {
	bridge    *Bridge
	mqtt      *mockMQTT
	mgr       *session.Manager
	store     *device.Store
	connector *stubConnector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := device.NewStore(time.Minute)
	bus := events.NewBus()
	conn := &stubConnector{links: make(map[string]*stubLink)}
	mgr, err := session.NewManager(session.Options{
		Store:      store,
		Dispatcher: dispatch.New(dispatch.Config{QueueSize: 4, CommandTimeout: time.Second, RetryBackoff: time.Millisecond}),
		Bus:        bus,
		Connector:  conn,
		Families: map[string]device.Family{
			podsMAC:    device.FamilyAirPods,
			nothingMAC: device.FamilyNothing,
		},
	})
	require.NoError(t, err)

	client := newMockMQTT()
	b, err := New(Options{
		MQTT:           client,
		Commander:      mgr,
		States:         store,
		Bus:            bus,
		DaemonID:       "budlink-test",
		Version:        "test",
		HealthInterval: time.Hour,
		DevicesManaged: 2,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	t.Cleanup(func() {
		b.Stop()
		mgr.Close()
		bus.Close()
	})
	return &fixture{bridge: b, mqtt: client, mgr: mgr, store: store, connector: conn}
}

func (f *fixture) acks(deviceID string) []AckMessage {
	var out []AckMessage
	for _, p := range f.mqtt.on(mqtt.Topics{}.DeviceAck(deviceID)) {
		var ack AckMessage
		if json.Unmarshal(p.payload, &ack) == nil {
			out = append(out, ack)
		}
	}
	return out
}

func (f *fixture) waitAcks(t *testing.T, deviceID string, n int) []AckMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.acks(deviceID)) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.acks(deviceID)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCommand_Accepted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Connect(context.Background(), podsMAC))

	f.mqtt.send(t, podsMAC, CommandMessage{
		ID:         "c1",
		Command:    session.CommandSetListeningMode,
		Parameters: map[string]any{"mode": "transparency"},
	})

	acks := f.waitAcks(t, podsMAC, 1)
	assert.Equal(t, "c1", acks[0].CommandID)
	assert.Equal(t, AckAccepted, acks[0].Status)
	assert.NotEmpty(t, acks[0].DispatchID)
	assert.Nil(t, acks[0].Error)

	require.Eventually(t, func() bool { return f.connector.link(podsMAC).count() == 1 }, time.Second, 5*time.Millisecond)

	rec, err := f.store.Get(podsMAC)
	require.NoError(t, err)
	assert.Equal(t, device.StatusPending, rec.Fields[device.FieldListeningMode].Status)
	assert.Equal(t, uint64(1), f.bridge.Statistics().CommandsReceived)
}

func TestCommand_Failures(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		cmd      CommandMessage
		code     string
	}{
		{
			name:     "unknown command",
			deviceID: podsMAC,
			cmd:      CommandMessage{ID: "x", Command: "explode"},
			code:     ErrCodeInvalidCommand,
		},
		{
			name:     "missing parameter",
			deviceID: podsMAC,
			cmd:      CommandMessage{ID: "x", Command: session.CommandRename},
			code:     ErrCodeInvalidParameters,
		},
		{
			name:     "bad listening mode",
			deviceID: podsMAC,
			cmd:      CommandMessage{ID: "x", Command: session.CommandSetListeningMode, Parameters: map[string]any{"mode": "loud"}},
			code:     ErrCodeInvalidParameters,
		},
		{
			name:     "wrong family",
			deviceID: nothingMAC,
			cmd:      CommandMessage{ID: "x", Command: session.CommandRename, Parameters: map[string]any{"name": "Ear"}},
			code:     ErrCodeInvalidParameters,
		},
		{
			name:     "device mismatch",
			deviceID: podsMAC,
			cmd:      CommandMessage{ID: "x", DeviceID: nothingMAC, Command: session.CommandRename, Parameters: map[string]any{"name": "Ear"}},
			code:     ErrCodeInvalidParameters,
		},
		{
			name:     "short frame",
			deviceID: nothingMAC,
			cmd:      CommandMessage{ID: "x", Command: session.CommandWrite, Parameters: map[string]any{"handle": float64(0x8002), "data": "5560"}},
			code:     ErrCodeInvalidParameters,
		},
		{
			name:     "unknown device",
			deviceID: "AA:BB:CC:DD:EE:99",
			cmd:      CommandMessage{ID: "x", Command: session.CommandRename, Parameters: map[string]any{"name": "Ear"}},
			code:     ErrCodeNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.mgr.Connect(context.Background(), podsMAC))
			require.NoError(t, f.mgr.Connect(context.Background(), nothingMAC))

			f.mqtt.send(t, tt.deviceID, tt.cmd)

			acks := f.waitAcks(t, tt.deviceID, 1)
			assert.Equal(t, AckFailed, acks[0].Status)
			require.NotNil(t, acks[0].Error)
			assert.Equal(t, tt.code, acks[0].Error.Code)
		})
	}
}

func TestCommand_RenameWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Connect(context.Background(), podsMAC))
	f.connector.link(podsMAC).handlers.OnDisconnect(io.EOF)
	disconnected := mqtt.Topics{}.Event(string(events.KindDeviceDisconnected))
	require.Eventually(t, func() bool { return len(f.mqtt.on(disconnected)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.mgr.Connected(podsMAC))

	f.mqtt.send(t, podsMAC, CommandMessage{ID: "r1", Command: session.CommandRename, Parameters: map[string]any{"name": "Studio"}})

	acks := f.waitAcks(t, podsMAC, 1)
	require.NotNil(t, acks[0].Error)
	assert.Equal(t, ErrCodeDeviceUnreachable, acks[0].Error.Code)

	rec, err := f.store.Get(podsMAC)
	require.NoError(t, err)
	assert.Equal(t, device.StatusUnconfirmed, rec.Fields[device.FieldDeviceName].Status)
}

func TestCommand_DeliveryFailureAck(t *testing.T) {
	f := newFixture(t)
	f.connector.sendErr = transport.NewError(transport.ReasonRejected, "att write", nil)
	require.NoError(t, f.mgr.Connect(context.Background(), nothingMAC))

	f.mqtt.send(t, nothingMAC, CommandMessage{ID: "a1", Command: session.CommandSetANCMode, Parameters: map[string]any{"mode": "low"}})

	acks := f.waitAcks(t, nothingMAC, 2)
	assert.Equal(t, AckAccepted, acks[0].Status)
	assert.Equal(t, AckFailed, acks[1].Status)
	require.NotNil(t, acks[1].Error)
	assert.Equal(t, ErrCodeRejected, acks[1].Error.Code)
	assert.Equal(t, 0, acks[1].Error.Retries)
}

func TestCommand_MalformedPayload(t *testing.T) {
	f := newFixture(t)

	h := f.mqtt.handlers[mqtt.Topics{}.AllDeviceCommands()]
	require.NoError(t, h(mqtt.Topics{}.DeviceCommand(podsMAC), []byte("{not json")))
	require.NoError(t, h("budlink/command", []byte("{}")))

	assert.Empty(t, f.acks(podsMAC))
	assert.Equal(t, uint64(1), f.bridge.Statistics().Errors)
}

func TestEventsAndStateAreMirrored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Connect(context.Background(), podsMAC))

	topics := mqtt.Topics{}
	require.Eventually(t, func() bool {
		return len(f.mqtt.on(topics.Event(string(events.KindDeviceConnected)))) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.mqtt.on(topics.DeviceState(podsMAC))) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	states := f.mqtt.on(topics.DeviceState(podsMAC))
	last := states[len(states)-1]
	assert.True(t, last.retained)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(last.payload, &msg))
	assert.Equal(t, podsMAC, msg["device_id"])
	assert.Equal(t, "airpods", msg["family"])
	assert.Equal(t, true, msg["connected"])
}

func TestHealthReporter_Status(t *testing.T) {
	client := newMockMQTT()
	devices := statusList{{DeviceID: podsMAC, Connected: true}}

	h := NewHealthReporter(HealthReporterConfig{
		DaemonID:       "d1",
		Version:        "1.0",
		Publisher:      client,
		Devices:        devices,
		DevicesManaged: 1,
	})

	status, reason := h.determineStatus()
	assert.Equal(t, HealthHealthy, status)
	assert.Empty(t, reason)

	h.cfg.DevicesManaged = 2
	status, _ = h.determineStatus()
	assert.Equal(t, HealthDegraded, status)

	client.connected = false
	status, reason = h.determineStatus()
	assert.Equal(t, HealthDegraded, status)
	assert.Equal(t, "MQTT disconnected", reason)

	require.NoError(t, h.PublishStarting())
	h.Start(context.Background())
	h.Stop()
	h.Stop()

	msgs := client.on(mqtt.Topics{}.Health())
	require.GreaterOrEqual(t, len(msgs), 2)

	var first, final HealthMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &first))
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].payload, &final))
	assert.Equal(t, HealthStarting, first.Status)
	assert.Equal(t, HealthStopping, final.Status)
	assert.Equal(t, 1, final.DevicesConnected)
	assert.True(t, msgs[0].retained)
}

type statusList []session.Status

func (s statusList) Statuses() []session.Status { return s }

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status AckStatus
	}{
		{transport.NewError(transport.ReasonTimeout, "send", nil), ErrCodeTimeout, AckTimeout},
		{transport.NewError(transport.ReasonQueueFull, "dispatch", nil), ErrCodeBusy, AckFailed},
		{transport.NewError(transport.ReasonWriteFailed, "send", nil), ErrCodeBridgeError, AckFailed},
		{device.ErrInvalidValue, ErrCodeInvalidParameters, AckFailed},
		{errors.New("boom"), ErrCodeBridgeError, AckFailed},
	}
	for _, tt := range tests {
		t.Run(strings.ToLower(tt.code), func(t *testing.T) {
			code, status := ErrorCode(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, status)
		})
	}
}
