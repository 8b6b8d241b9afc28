package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/budlink/internal/codec"
	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/dispatch"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/transport"
	"github.com/nerrad567/budlink/internal/transport/aacp"
	"github.com/nerrad567/budlink/internal/transport/att"
)

// ErrNotConfigured is returned by Connect for a device without a family.
var ErrNotConfigured = errors.New("session: device not configured")

// Logger defines the logging interface used by the manager.
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

// Outcome is the final result of one command, reported after the
// dispatcher is done with it.
type Outcome struct {
	CommandID string
	DeviceID  string
	Family    device.Family
	Field     device.Field
	Label     string
	Err       error
	Attempts  int
	Latency   time.Duration
	At        time.Time
}

// OutcomeFunc receives command outcomes. It must not block.
type OutcomeFunc func(Outcome)

// Submission is an accepted command.
type Submission struct {
	CommandID string           `json:"command_id"`
	DeviceID  string           `json:"device_id"`
	Field     device.Field     `json:"field,omitempty"`
	Value     any              `json:"value,omitempty"`
	Command   string           `json:"command"`
	Ticket    *dispatch.Ticket `json:"-"`
}

// Status describes the link state of one known device.
type Status struct {
	DeviceID  string        `json:"device_id"`
	Family    device.Family `json:"family"`
	Connected bool          `json:"connected"`
	Since     time.Time     `json:"since"`
	Reason    string        `json:"reason,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Store      *device.Store
	Dispatcher *dispatch.Dispatcher
	Bus        *events.Bus
	Connector  Connector

	// Families maps configured MAC addresses to their family.
	Families map[string]device.Family

	Logger Logger
}

type session struct {
	id     string
	family device.Family
	link   Link
	gen    uint64
	since  time.Time
	reason string

	// lost is set as soon as the link reports failure, before the
	// teardown has run.
	lost bool
}

// Manager owns every device session.
//
// Thread Safety: all methods are safe for concurrent use. Submissions to
// one device are serialised so that store order and queue order agree.
type Manager struct {
	store     *device.Store
	disp      *dispatch.Dispatcher
	bus       *events.Bus
	connector Connector
	families  map[string]device.Family
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*session
	gen      uint64
	closed   bool

	// submitLocks and lifeLocks hold one *sync.Mutex per device.
	// Submissions never wait for a connect in progress.
	submitLocks sync.Map
	lifeLocks   sync.Map

	// teardown tracks link-loss handlers running off the transport goroutines.
	teardown sync.WaitGroup

	logger    Logger
	onOutcome OutcomeFunc
	cbMu      sync.RWMutex
}

// NewManager wires a manager to its collaborators. It installs itself as
// the dispatcher's result callback and the store's change callback.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Dispatcher == nil || opts.Bus == nil || opts.Connector == nil {
		return nil, errors.New("session: store, dispatcher, bus and connector are required")
	}

	m := &Manager{
		store:     opts.Store,
		disp:      opts.Dispatcher,
		bus:       opts.Bus,
		connector: opts.Connector,
		families:  make(map[string]device.Family, len(opts.Families)),
		newID:     uuid.NewString,
		sessions:  make(map[string]*session),
		logger:    noopLogger{},
	}
	if opts.Logger != nil {
		m.logger = opts.Logger
	}
	for mac, fam := range opts.Families {
		id, err := device.NormaliseMAC(mac)
		if err != nil {
			return nil, err
		}
		if !device.ValidFamily(fam) {
			return nil, fmt.Errorf("%w: %q for %s", device.ErrInvalidFamily, fam, id)
		}
		m.families[id] = fam
	}

	m.disp.SetOnResult(m.handleResult)
	m.store.SetOnChange(func(t device.Transition) {
		m.bus.Publish(events.StateChanged(t))
	})
	return m, nil
}

// SetOnOutcome registers the command outcome callback.
func (m *Manager) SetOnOutcome(fn OutcomeFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onOutcome = fn
}

// Family returns the configured family of a device.
func (m *Manager) Family(id string) (device.Family, bool) {
	f, ok := m.families[id]
	return f, ok
}

// Connect opens the transport of a configured device and starts its
// queue. Connecting an already linked device is a no-op.
func (m *Manager) Connect(ctx context.Context, id string) error {
	id, err := device.NormaliseMAC(id)
	if err != nil {
		return err
	}
	family, ok := m.families[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfigured, id)
	}

	unlock := lockFor(&m.lifeLocks, id)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return dispatch.ErrClosed
	}
	prev, ok := m.sessions[id]
	if ok && prev.link != nil && !prev.lost {
		m.mu.Unlock()
		return nil
	}
	var stale uint64
	if ok && prev.link != nil {
		stale = prev.gen
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	// A lost link whose teardown has not run yet is torn down here; the
	// pending teardown then finds a newer generation and does nothing.
	if stale != 0 {
		m.teardownLink(id, stale, "link lost")
	}

	if _, err := m.store.Create(id, family, nil); err != nil {
		return err
	}

	link, err := m.connector.Connect(ctx, id, family, Handlers{
		OnEvent:      func(raw codec.RawEvent) { m.handleRaw(id, family, raw) },
		OnDisconnect: func(err error) { m.linkLost(id, gen, err) },
	})
	if err != nil {
		m.setSession(id, family, nil, gen, err.Error())
		m.logger.Warn("device link failed", "device", id, "family", family, "error", err)
		return err
	}

	if !m.setSession(id, family, link, gen, "") {
		link.Close()
		return dispatch.ErrClosed
	}
	if err := m.disp.Attach(id, link); err != nil {
		m.dropLink(id, gen)
		link.Close()
		return err
	}

	m.logger.Info("device connected", "device", id, "family", family)
	m.bus.Publish(events.DeviceConnected(id, family))
	return nil
}

// setSession records the link for id. It reports false after Close.
func (m *Manager) setSession(id string, family device.Family, link Link, gen uint64, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sessions[id] = &session{
		id:     id,
		family: family,
		link:   link,
		gen:    gen,
		since:  time.Now().UTC(),
		reason: reason,
	}
	return true
}

// dropLink clears the link of generation gen and returns it.
func (m *Manager) dropLink(id string, gen uint64) Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.gen != gen || s.link == nil {
		return nil
	}
	link := s.link
	s.link = nil
	s.lost = false
	s.since = time.Now().UTC()
	return link
}

// linkLost runs on the transport's goroutine, which Close waits for, so
// the teardown is moved off it.
func (m *Manager) linkLost(id string, gen uint64, cause error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && s.gen == gen {
		s.lost = true
	}
	m.mu.Unlock()

	reason := "link lost"
	if cause != nil {
		reason = cause.Error()
	}

	m.teardown.Add(1)
	go func() {
		defer m.teardown.Done()
		unlock := lockFor(&m.lifeLocks, id)
		defer unlock()
		m.teardownLink(id, gen, reason)
	}()
}

// teardownLink detaches the queue and closes the link of generation gen,
// keeping the record. The caller holds the lifecycle lock.
func (m *Manager) teardownLink(id string, gen uint64, reason string) {
	link := m.dropLink(id, gen)
	if link == nil {
		return
	}
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.reason = reason
	}
	m.mu.Unlock()

	m.disp.Detach(id)
	if err := link.Close(); err != nil {
		m.logger.Debug("closing lost link", "device", id, "error", err)
	}

	m.logger.Warn("device link lost", "device", id, "reason", reason)
	m.bus.Publish(events.DeviceDisconnected(id, m.families[id], reason))
}

// Disconnect tears a device down completely: its queue is detached
// (failing pending commands), its link closed and its record removed.
func (m *Manager) Disconnect(id, reason string) error {
	id, err := device.NormaliseMAC(id)
	if err != nil {
		return err
	}

	unlock := lockFor(&m.lifeLocks, id)
	defer unlock()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	// Detach before Remove so failed commands are still recorded as
	// unconfirmed against the record.
	m.disp.Detach(id)
	if ok && s.link != nil {
		if err := s.link.Close(); err != nil {
			m.logger.Debug("closing link", "device", id, "error", err)
		}
	}
	if err := m.store.Remove(id); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
		return err
	}

	if ok {
		if reason == "" {
			reason = "disconnected"
		}
		m.logger.Info("device disconnected", "device", id, "reason", reason)
		m.bus.Publish(events.DeviceDisconnected(id, s.family, reason))
	}
	return nil
}

// Connected reports whether id has a live link.
func (m *Manager) Connected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && s.link != nil && !s.lost
}

// Statuses returns the link state of every known device, ordered by id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Status{
			DeviceID:  s.id,
			Family:    s.family,
			Connected: s.link != nil && !s.lost,
			Since:     s.since,
			Reason:    s.reason,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close disconnects every device and stops the dispatcher.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Disconnect(id, "shutdown"); err != nil {
			m.logger.Warn("disconnect on shutdown failed", "device", id, "error", err)
		}
	}

	m.teardown.Wait()
	m.disp.Close()
}

// handleRaw forwards an inbound event, then reconciles the store with it.
// Events from one link arrive here in order on one goroutine.
func (m *Manager) handleRaw(id string, family device.Family, raw codec.RawEvent) {
	switch {
	case raw.AACP != nil:
		m.bus.Publish(events.AACPEvent(id, *raw.AACP))
	case raw.ATT != nil:
		m.bus.Publish(events.ATTNotification(id, uint16(raw.ATT.Handle), raw.ATT.Value))
	}

	if info := codec.DecodeInformation(raw); info != nil {
		if err := m.store.SetInformation(id, info); err != nil {
			m.logger.Debug("information not stored", "device", id, "error", err)
		}
	}

	update, err := codec.Decode(id, family, raw)
	if err != nil {
		var perr *codec.ProtocolError
		if errors.As(err, &perr) {
			m.logger.Warn("discarding malformed event",
				"device", id,
				"source", perr.Source,
				"reason", perr.Reason,
				"payload", hex.EncodeToString(perr.Payload),
			)
		} else {
			m.logger.Warn("discarding event", "device", id, "error", err)
		}
		return
	}
	if update == nil {
		m.logger.Debug("unmodelled event", "device", id, "source", rawSource(raw))
		return
	}
	if err := m.store.ApplyConfirmed(*update); err != nil {
		m.logger.Warn("confirmed value not applied", "device", id, "field", update.Field, "error", err)
	}
}

func rawSource(raw codec.RawEvent) string {
	switch {
	case raw.AACP != nil:
		return fmt.Sprintf("aacp opcode 0x%04X", raw.AACP.Opcode)
	case raw.ATT != nil:
		return fmt.Sprintf("att handle %s", raw.ATT.Handle)
	default:
		return "empty"
	}
}

// Apply changes one configuration field.
//
// The value is normalised and encoded first; errors there leave the store
// untouched. The optimistic value is then stored as pending and the
// command queued. If the queue refuses it the field is marked unconfirmed,
// a command_failed event is published and the *transport.Error returned.
//
// Parameters:
//   - ctx: Reserved for cancellation of the submission
//   - id: Device MAC address
//   - field: Field to change
//   - value: New value; strings are accepted for modes and booleans
//
// Returns:
//   - *Submission: The accepted command; its Ticket reports delivery
//   - error: device.ErrDeviceNotFound, device.ErrInvalidField,
//     device.ErrInvalidValue, *codec.EncodingError or *transport.Error
func (m *Manager) Apply(ctx context.Context, id string, field device.Field, value any) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := device.NormaliseMAC(id)
	if err != nil {
		return nil, err
	}

	unlock := lockFor(&m.submitLocks, id)
	defer unlock()

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	value, err = device.NormaliseValue(rec.Family, field, value)
	if err != nil {
		return nil, err
	}
	if field == device.FieldListeningMode && value == device.ListeningModeOff {
		v, _ := rec.Configuration.Value(device.FieldAllowOffMode)
		if allowed, _ := v.(bool); !allowed {
			return nil, fmt.Errorf("%w: off mode is disabled on %s", device.ErrInvalidValue, id)
		}
	}

	change := device.Change{Field: field, Value: value}
	cmd, err := codec.Encode(rec.Family, change)
	if err != nil {
		return nil, err
	}

	commandID := m.newID()
	if err := m.store.UpsertOptimistic(id, commandID, change); err != nil {
		return nil, err
	}

	ticket, err := m.disp.Dispatch(id, commandID, cmd)
	if err != nil {
		m.commandFailed(id, commandID, change, err, 0)
		return nil, err
	}

	m.logger.Debug("command queued", "device", id, "command_id", commandID, "command", cmd.Label)
	return &Submission{
		CommandID: commandID,
		DeviceID:  id,
		Field:     field,
		Value:     value,
		Command:   cmd.Label,
		Ticket:    ticket,
	}, nil
}

// Rename sets the headset name.
func (m *Manager) Rename(ctx context.Context, id, name string) (*Submission, error) {
	return m.Apply(ctx, id, device.FieldDeviceName, name)
}

// SetListeningMode sets the noise-control mode of an AirPods headset.
func (m *Manager) SetListeningMode(ctx context.Context, id string, mode device.ListeningMode) (*Submission, error) {
	return m.Apply(ctx, id, device.FieldListeningMode, mode)
}

// SetANCMode sets the noise-control mode of a Nothing headset.
func (m *Manager) SetANCMode(ctx context.Context, id string, mode device.ANCMode) (*Submission, error) {
	return m.Apply(ctx, id, device.FieldANCMode, mode)
}

// SetToggle sets one of the boolean AirPods settings.
func (m *Manager) SetToggle(ctx context.Context, id string, field device.Field, enabled bool) (*Submission, error) {
	return m.Apply(ctx, id, field, enabled)
}

// SendControlCommand queues a raw AACP control command. The store does
// not model arbitrary identifiers, so nothing is applied optimistically.
func (m *Manager) SendControlCommand(ctx context.Context, id string, control aacp.ControlID, value []byte) (*Submission, error) {
	pkt, err := aacp.EncodeControlCommand(control, value)
	if err != nil {
		return nil, &codec.EncodingError{Family: device.FamilyAirPods, Value: value, Reason: err.Error()}
	}
	return m.sendRaw(ctx, id, device.FamilyAirPods, codec.Command{
		Family: device.FamilyAirPods,
		Label:  control.String(),
		Packet: pkt,
	})
}

// WriteHandle queues a raw 13-byte frame for a Nothing headset handle.
func (m *Manager) WriteHandle(ctx context.Context, id string, handle att.Handle, frame [att.FrameSize]byte) (*Submission, error) {
	return m.sendRaw(ctx, id, device.FamilyNothing, codec.Command{
		Family: device.FamilyNothing,
		Label:  handle.String(),
		Handle: handle,
		Frame:  frame,
	})
}

func (m *Manager) sendRaw(ctx context.Context, id string, family device.Family, cmd codec.Command) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := device.NormaliseMAC(id)
	if err != nil {
		return nil, err
	}

	unlock := lockFor(&m.submitLocks, id)
	defer unlock()

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Family != family {
		return nil, fmt.Errorf("%w: %s is %s", device.ErrFamilyMismatch, id, rec.Family)
	}

	commandID := m.newID()
	ticket, err := m.disp.Dispatch(id, commandID, cmd)
	if err != nil {
		m.commandFailed(id, commandID, device.Change{}, err, 0)
		return nil, err
	}
	return &Submission{CommandID: commandID, DeviceID: id, Command: cmd.Label, Ticket: ticket}, nil
}

func lockFor(locks *sync.Map, id string) func() {
	v, _ := locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// handleResult runs on the device worker once a ticket completes.
func (m *Manager) handleResult(t *dispatch.Ticket) {
	err := t.Err()
	if err != nil {
		m.commandFailed(t.DeviceID, t.ID, t.Command.Change, err, t.Attempts())
	}

	m.cbMu.RLock()
	fn := m.onOutcome
	m.cbMu.RUnlock()
	if fn == nil {
		return
	}
	fn(Outcome{
		CommandID: t.ID,
		DeviceID:  t.DeviceID,
		Family:    t.Command.Family,
		Field:     t.Command.Change.Field,
		Label:     t.Command.Label,
		Err:       err,
		Attempts:  t.Attempts(),
		Latency:   t.Latency(),
		At:        time.Now().UTC(),
	})
}

// commandFailed keeps the optimistic value but flags it unconfirmed, then
// tells subscribers.
func (m *Manager) commandFailed(id, commandID string, change device.Change, err error, attempts int) {
	reason := string(transport.ReasonOf(err))
	if reason == "" {
		reason = "error"
	}

	if change.Field != "" {
		if _, merr := m.store.MarkUnconfirmed(id, commandID, device.SourceTransport, reason, change.Field); merr != nil {
			m.logger.Debug("mark unconfirmed skipped", "device", id, "error", merr)
		}
	}

	m.logger.Warn("command failed", "device", id, "command_id", commandID, "field", change.Field, "reason", reason, "error", err)
	m.bus.Publish(events.CommandFailed(id, events.CommandFailedPayload{
		CommandID: commandID,
		Field:     change.Field,
		Value:     change.Value,
		Reason:    reason,
		Error:     err.Error(),
		Attempts:  attempts,
	}))
}
