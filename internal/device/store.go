package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultConfirmWindow is how long an optimistic value may stay pending
// before it is marked unconfirmed.
const DefaultConfirmWindow = 3 * time.Second

// Logger defines the logging interface used by the store.
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

// ChangeFunc receives every field transition while the record's lock is
// held, so transitions of one device arrive in the order they were
// applied. It must not block and must not call back into the store.
type ChangeFunc func(Transition)

// Store is the mirror of every connected headset's configuration.
//
// Each record has its own lock, so updates to one device never wait on
// another. The map lock is only held to find, add or remove a record.
// A reader never observes a partially applied change.
//
// Value precedence is by arrival: the most recent of an optimistic write
// and a confirmed update wins, and a confirmation always marks the field
// confirmed.
//
// All public methods are thread-safe.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry

	confirmWindow time.Duration
	now           func() time.Time
	clockMu       sync.RWMutex

	logger   Logger
	onChange ChangeFunc
	cbMu     sync.RWMutex
}

type entry struct {
	mu      sync.Mutex
	rec     *Record
	removed bool

	// seq numbers the record's transitions.
	seq uint64
}

// NewStore creates an empty store. A non-positive confirmWindow uses
// DefaultConfirmWindow.
func NewStore(confirmWindow time.Duration) *Store {
	if confirmWindow <= 0 {
		confirmWindow = DefaultConfirmWindow
	}
	return &Store{
		records:       make(map[string]*entry),
		confirmWindow: confirmWindow,
		now:           time.Now,
		logger:        noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.cbMu.Lock()
	s.logger = logger
	s.cbMu.Unlock()
}

// SetOnChange registers the transition callback. Pass nil to clear it.
func (s *Store) SetOnChange(fn ChangeFunc) {
	s.cbMu.Lock()
	s.onChange = fn
	s.cbMu.Unlock()
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	s.now = now
	s.clockMu.Unlock()
}

func (s *Store) clock() time.Time {
	s.clockMu.RLock()
	now := s.now
	s.clockMu.RUnlock()
	return now()
}

func (s *Store) log() Logger {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.logger
}

// emit stamps and delivers transitions of e. The caller holds e.mu.
func (s *Store) emit(e *entry, transitions []Transition) {
	s.cbMu.RLock()
	fn := s.onChange
	s.cbMu.RUnlock()
	for _, t := range transitions {
		e.seq++
		t.Seq = e.seq
		if fn != nil {
			fn(t)
		}
	}
}

// lookup returns the locked entry for id. The caller must unlock it.
func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return e, nil
}

// Create registers a connected headset. Calling Create again for the same
// identifier and family keeps the existing configuration and replaces the
// information when info is non-nil.
//
// Returns:
//   - *Record: a copy of the stored record
//   - error: ErrInvalidFamily, ErrInvalidMAC, or ErrFamilyMismatch when the
//     identifier is already registered under another family
func (s *Store) Create(id string, family Family, info Information) (*Record, error) {
	if err := ValidateMAC(id); err != nil {
		return nil, err
	}
	if !ValidFamily(family) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFamily, family)
	}
	if info != nil && info.Family() != family {
		return nil, fmt.Errorf("%w: information is for %s", ErrFamilyMismatch, info.Family())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.records[id]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.rec.Family != family {
			return nil, fmt.Errorf("%w: %s is %s, not %s", ErrFamilyMismatch, id, e.rec.Family, family)
		}
		if info != nil {
			e.rec.Information = info
		}
		return e.rec.DeepCopy(), nil
	}

	rec := &Record{
		ID:            id,
		Family:        family,
		Information:   info,
		Configuration: NewConfiguration(family),
		Fields:        make(map[Field]FieldState),
		ConnectedAt:   s.clock(),
	}
	s.records[id] = &entry{rec: rec}

	s.log().Info("device registered", "device_id", id, "family", family)
	return rec.DeepCopy(), nil
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (*Record, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.rec.DeepCopy(), nil
}

// List returns copies of every record, ordered by identifier.
func (s *Store) List() []Record {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, *e.rec.DeepCopy())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered headsets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// SetInformation replaces the hardware information of a headset.
func (s *Store) SetInformation(id string, info Information) error {
	if info == nil {
		return nil
	}
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if info.Family() != e.rec.Family {
		return fmt.Errorf("%w: information is for %s", ErrFamilyMismatch, info.Family())
	}
	e.rec.Information = info
	return nil
}

// UpsertOptimistic applies the requested changes immediately and marks
// each field pending until a confirmation arrives or the confirm window
// expires. Either every change is applied or none is.
//
// Parameters:
//   - id: Device identifier
//   - commandID: Command that carries the changes to the headset
//   - changes: Field values, already normalised with NormaliseValue
func (s *Store) UpsertOptimistic(id, commandID string, changes ...Change) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	now := s.clock()
	cfg := e.rec.Configuration.Clone()
	for _, c := range changes {
		if err := cfg.set(c.Field, c.Value); err != nil {
			e.mu.Unlock()
			return err
		}
	}

	e.rec.Configuration = cfg
	transitions := make([]Transition, 0, len(changes))
	for _, c := range changes {
		e.rec.Fields[c.Field] = FieldState{
			Status:    StatusPending,
			CommandID: commandID,
			Deadline:  now.Add(s.confirmWindow),
			UpdatedAt: now,
			Source:    SourceCommand,
		}
		transitions = append(transitions, Transition{
			DeviceID:  id,
			Family:    e.rec.Family,
			Field:     c.Field,
			Value:     c.Value,
			Status:    StatusPending,
			CommandID: commandID,
			Source:    SourceCommand,
			At:        now,
		})
	}
	s.emit(e, transitions)
	e.mu.Unlock()
	return nil
}

// ApplyConfirmed overwrites a field with the value reported by the
// headset and marks it confirmed, whatever its previous status.
func (s *Store) ApplyConfirmed(update StateUpdate) error {
	e, err := s.lookup(update.DeviceID)
	if err != nil {
		return err
	}

	if err := e.rec.Configuration.set(update.Field, update.Value); err != nil {
		e.mu.Unlock()
		return err
	}

	now := s.clock()
	e.rec.Fields[update.Field] = FieldState{
		Status:    StatusConfirmed,
		UpdatedAt: now,
		Source:    SourceNotification,
	}
	t := Transition{
		DeviceID: update.DeviceID,
		Family:   e.rec.Family,
		Field:    update.Field,
		Value:    update.Value,
		Status:   StatusConfirmed,
		Source:   SourceNotification,
		At:       now,
	}
	s.emit(e, []Transition{t})
	e.mu.Unlock()
	return nil
}

// MarkUnconfirmed flags fields written by commandID as unconfirmed,
// keeping their optimistic values. Fields that have since been confirmed
// or rewritten by a newer command are left alone.
//
// Returns the fields that changed status.
func (s *Store) MarkUnconfirmed(id, commandID, source, reason string, fields ...Field) ([]Field, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var changed []Field
	var transitions []Transition
	for _, f := range fields {
		st, ok := e.rec.Fields[f]
		if !ok || st.Status != StatusPending || st.CommandID != commandID {
			continue
		}
		st.Status = StatusUnconfirmed
		st.Deadline = time.Time{}
		st.UpdatedAt = now
		st.Source = source
		st.Reason = reason
		e.rec.Fields[f] = st

		value, _ := e.rec.Configuration.Value(f)
		changed = append(changed, f)
		transitions = append(transitions, Transition{
			DeviceID:  id,
			Family:    e.rec.Family,
			Field:     f,
			Value:     value,
			Status:    StatusUnconfirmed,
			CommandID: commandID,
			Source:    source,
			Reason:    reason,
			At:        now,
		})
	}
	s.emit(e, transitions)
	e.mu.Unlock()
	return changed, nil
}

// ExpirePending marks every pending field whose deadline is not after now
// as unconfirmed. Returns how many fields expired.
func (s *Store) ExpirePending(now time.Time) int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	expired := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		var transitions []Transition
		for f, st := range e.rec.Fields {
			if st.Status != StatusPending || st.Deadline.After(now) {
				continue
			}
			st.Status = StatusUnconfirmed
			st.Deadline = time.Time{}
			st.UpdatedAt = now
			st.Source = SourceTimeout
			st.Reason = "no confirmation within window"
			e.rec.Fields[f] = st

			value, _ := e.rec.Configuration.Value(f)
			transitions = append(transitions, Transition{
				DeviceID:  e.rec.ID,
				Family:    e.rec.Family,
				Field:     f,
				Value:     value,
				Status:    StatusUnconfirmed,
				CommandID: st.CommandID,
				Source:    SourceTimeout,
				Reason:    st.Reason,
				At:        now,
			})
		}
		s.emit(e, transitions)
		e.mu.Unlock()
		expired += len(transitions)
	}

	if expired > 0 {
		s.log().Debug("pending fields expired", "count", expired)
	}
	return expired
}

// Run sweeps expired pending fields every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.confirmWindow / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpirePending(s.clock())
		}
	}
}

// Remove evicts a headset. Callers holding a copy keep it; later
// operations on the identifier return ErrDeviceNotFound.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	s.log().Info("device removed", "device_id", id)
	return nil
}
