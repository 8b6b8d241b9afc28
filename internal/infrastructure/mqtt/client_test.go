package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/budlink/internal/infrastructure/config"
)

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func newUnconnectedClient() *Client {
	return &Client{subscriptions: make(map[string]subscription)}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	if (&Client{}).IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	err := newUnconnectedClient().HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newUnconnectedClient().HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublish_Validation(t *testing.T) {
	client := newUnconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "budlink/health", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "budlink/health", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "budlink/health", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client := newUnconnectedClient()
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("budlink/command/+", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos: error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("budlink/command/+", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("budlink/command/+", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: error = %v, want ErrNotConnected", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestUnsubscribe_Validation(t *testing.T) {
	client := newUnconnectedClient()

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Unsubscribe("budlink/command/+"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestDeliver_RecoversPanic(t *testing.T) {
	client := newUnconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	client.deliver(func(string, []byte) error { panic("boom") }, "budlink/command/x", nil)

	if len(logger.errors) != 1 {
		t.Fatalf("logged errors = %v, want one panic entry", logger.errors)
	}
}

func TestDeliver_LogsHandlerError(t *testing.T) {
	client := newUnconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	client.deliver(func(string, []byte) error { return errors.New("bad payload") }, "budlink/command/x", nil)

	if len(logger.warns) != 1 {
		t.Fatalf("logged warnings = %v, want one entry", logger.warns)
	}
}

func TestBrokerURL(t *testing.T) {
	cfg := config.MQTTConfig{Broker: config.MQTTBrokerConfig{Host: "broker", Port: 8883}}
	if got := brokerURL(cfg); got != "tcp://broker:8883" {
		t.Errorf("brokerURL() = %q", got)
	}
	cfg.Broker.TLS = true
	if got := brokerURL(cfg); got != "ssl://broker:8883" {
		t.Errorf("brokerURL() with TLS = %q", got)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var p statusPayload
	if err := json.Unmarshal([]byte(buildStatusPayload("budlink", "offline", "graceful_shutdown")), &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.Status != "offline" || p.ClientID != "budlink" || p.Reason != "graceful_shutdown" || p.Timestamp == "" {
		t.Errorf("payload = %+v", p)
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	mac := "AA:BB:CC:DD:EE:FF"

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DeviceCommand", topics.DeviceCommand(mac), "budlink/command/AA:BB:CC:DD:EE:FF"},
		{"DeviceAck", topics.DeviceAck(mac), "budlink/ack/AA:BB:CC:DD:EE:FF"},
		{"DeviceState", topics.DeviceState(mac), "budlink/state/AA:BB:CC:DD:EE:FF"},
		{"Event", topics.Event("state_changed"), "budlink/event/state_changed"},
		{"Health", topics.Health(), "budlink/health"},
		{"SystemStatus", topics.SystemStatus(), "budlink/system/status"},
		{"AllDeviceCommands", topics.AllDeviceCommands(), "budlink/command/+"},
		{"AllEvents", topics.AllEvents(), "budlink/event/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"budlink/command/AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF"},
		{"budlink/command/", ""},
		{"budlink/command", ""},
		{"other/command/AA", ""},
		{"budlink/command/AA/extra", ""},
	}

	for _, tt := range tests {
		if got := DeviceFromTopic(tt.topic); got != tt.want {
			t.Errorf("DeviceFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
