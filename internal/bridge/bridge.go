package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/budlink/internal/session"
)

const (
	// eventBuffer is the bus subscription capacity.
	eventBuffer = 256

	// ackWaitTimeout bounds how long the bridge waits for a dispatch outcome.
	ackWaitTimeout = 30 * time.Second
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Commander accepts commands. *session.Manager implements it.
type Commander interface {
	Execute(ctx context.Context, deviceID, command string, params map[string]any) (*session.Submission, error)
	Connected(id string) bool
	Statuses() []session.Status
}

// StateReader reads device records. *device.Store implements it.
type StateReader interface {
	Get(id string) (*device.Record, error)
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	MQTT      MQTTClient
	Commander Commander
	States    StateReader
	Bus       *events.Bus

	// QoS for acks, events and state. Defaults to 1.
	QoS byte

	DaemonID       string
	Version        string
	HealthInterval time.Duration
	DevicesManaged int

	Logger Logger
}

// Bridge translates between MQTT and the session layer.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt      MQTTClient
	commander Commander
	states    StateReader
	bus       *events.Bus
	qos       byte
	health    *HealthReporter
	topics    mqtt.Topics

	sub *events.Subscription

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	eventsPublished  atomic.Uint64
	errorsTotal      atomic.Uint64

	logger Logger
}

// New creates a bridge.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil || opts.Commander == nil || opts.States == nil || opts.Bus == nil {
		return nil, errors.New("bridge: mqtt, commander, states and bus are required")
	}
	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	b := &Bridge{
		mqtt:      opts.MQTT,
		commander: opts.Commander,
		states:    opts.States,
		bus:       opts.Bus,
		qos:       qos,
		logger:    logger,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		DaemonID:       opts.DaemonID,
		Version:        opts.Version,
		Interval:       opts.HealthInterval,
		Publisher:      opts.MQTT,
		Devices:        opts.Commander,
		DevicesManaged: opts.DevicesManaged,
		Stats:          b.Statistics,
	})
	b.health.SetLogger(logger)
	return b, nil
}

// Start subscribes to commands, starts mirroring events and begins health
// reporting. Call Stop to shut down.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.ctxCancel = context.WithCancel(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	topic := b.topics.AllDeviceCommands()
	if err := b.mqtt.Subscribe(topic, b.qos, b.handleCommand); err != nil {
		b.ctxCancel()
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", topic)

	b.sub = b.bus.Subscribe(eventBuffer)
	b.wg.Add(1)
	go b.eventLoop()

	b.health.Start(b.ctx)
	return nil
}

// Stop shuts the bridge down and publishes a stopping health status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.ctxCancel != nil {
			b.ctxCancel()
		}
		if b.sub != nil {
			b.sub.Unsubscribe()
		}
		b.wg.Wait()
		b.health.Stop()
		b.logger.Info("bridge stopped")
	})
}

// Statistics returns the bridge counters.
func (b *Bridge) Statistics() Statistics {
	return Statistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		EventsPublished:  b.eventsPublished.Load(),
		Errors:           b.errorsTotal.Load(),
	}
}

// handleCommand processes one command message. It never returns an error
// to the MQTT layer; failures are reported on the ack topic.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	topicDevice := mqtt.DeviceFromTopic(topic)
	if topicDevice == "" {
		b.logger.Warn("command on malformed topic", "topic", topic)
		return nil
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.errorsTotal.Add(1)
		b.logger.Warn("failed to parse command", "topic", topic, "error", err)
		return nil
	}
	b.commandsReceived.Add(1)

	deviceID := cmd.DeviceID
	if deviceID == "" {
		deviceID = topicDevice
	}
	if deviceID != topicDevice {
		b.publishAckError(cmd, topicDevice, AckFailed, ErrCodeInvalidParameters,
			fmt.Sprintf("device_id %s does not match topic", cmd.DeviceID), 0)
		return nil
	}

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"command", cmd.Command)

	sub, err := b.commander.Execute(b.ctx, deviceID, cmd.Command, cmd.Parameters)
	if err != nil {
		code, status := ErrorCode(err)
		b.publishAckError(cmd, deviceID, status, code, err.Error(), 0)
		return nil
	}

	ack := NewAckMessage(cmd, deviceID, AckAccepted)
	ack.DispatchID = sub.CommandID
	b.publishAck(deviceID, ack)

	b.wg.Add(1)
	go b.awaitDelivery(cmd, deviceID, sub)
	return nil
}

// awaitDelivery reports a failed delivery after the accepted ack.
func (b *Bridge) awaitDelivery(cmd CommandMessage, deviceID string, sub *session.Submission) {
	defer b.wg.Done()
	if sub.Ticket == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, ackWaitTimeout)
	defer cancel()

	err := sub.Ticket.Wait(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.logger.Warn("no delivery outcome", "command_id", cmd.ID, "device_id", deviceID)
		}
		return
	}

	code, status := ErrorCode(err)
	retries := sub.Ticket.Attempts() - 1
	if retries < 0 {
		retries = 0
	}
	b.publishAckError(cmd, deviceID, status, code, err.Error(), retries)
}

func (b *Bridge) publishAck(deviceID string, ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.errorsTotal.Add(1)
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceAck(deviceID), payload, b.qos, false); err != nil {
		b.errorsTotal.Add(1)
		b.logger.Error("failed to publish ack", "error", err)
	}
}

func (b *Bridge) publishAckError(cmd CommandMessage, deviceID string, status AckStatus, code, message string, retries int) {
	b.commandsFailed.Add(1)
	b.publishAck(deviceID, NewAckError(cmd, deviceID, status, code, message, retries))
	b.logger.Warn("command failed",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"code", code,
		"message", message)
}

// eventLoop mirrors the bus onto MQTT until Stop.
func (b *Bridge) eventLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-b.sub.C():
			if !ok {
				return
			}
			b.publishEvent(ev)
		}
	}
}

func (b *Bridge) publishEvent(ev events.Event) {
	if ev.Kind == events.KindNoOp {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.errorsTotal.Add(1)
		b.logger.Error("failed to marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Event(string(ev.Kind)), payload, b.qos, false); err != nil {
		b.errorsTotal.Add(1)
		b.logger.Debug("failed to publish event", "kind", ev.Kind, "error", err)
	} else {
		b.eventsPublished.Add(1)
	}

	switch ev.Kind {
	case events.KindStateChanged, events.KindDeviceConnected, events.KindDeviceDisconnected:
		b.PublishState(ev.DeviceID)
	}
}

// PublishState publishes the retained state of one device. A device the
// store no longer knows is published as disconnected.
func (b *Bridge) PublishState(deviceID string) {
	if deviceID == "" {
		return
	}
	msg := StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	}
	if rec, err := b.states.Get(deviceID); err == nil {
		msg.Family = rec.Family
		msg.Connected = b.commander.Connected(deviceID)
		msg.Configuration = rec.Configuration
		msg.Fields = rec.Fields
		msg.Information = rec.Information
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.errorsTotal.Add(1)
		b.logger.Error("failed to marshal state", "device_id", deviceID, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceState(deviceID), payload, b.qos, true); err != nil {
		b.errorsTotal.Add(1)
		b.logger.Debug("failed to publish state", "device_id", deviceID, "error", err)
	}
}
