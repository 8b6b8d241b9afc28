package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	podsMAC    = "AA:BB:CC:DD:EE:01"
	nothingMAC = "AA:BB:CC:DD:EE:02"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transitionLog struct {
	mu  sync.Mutex
	all []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	l.all = append(l.all, t)
	l.mu.Unlock()
}

func (l *transitionLog) snapshot() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.all...)
}

func newTestStore(t *testing.T) (*Store, *fakeClock, *transitionLog) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	log := &transitionLog{}

	s := NewStore(2 * time.Second)
	s.SetClock(clock.Now)
	s.SetOnChange(log.record)

	_, err := s.Create(podsMAC, FamilyAirPods, nil)
	require.NoError(t, err)
	_, err = s.Create(nothingMAC, FamilyNothing, nil)
	require.NoError(t, err)

	return s, clock, log
}

func TestStore_Create(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec, err := s.Get(podsMAC)
	require.NoError(t, err)
	assert.Equal(t, FamilyAirPods, rec.Family)
	require.IsType(t, &AirPodsConfiguration{}, rec.Configuration)
	assert.Empty(t, rec.Fields)

	t.Run("same family is idempotent and keeps configuration", func(t *testing.T) {
		require.NoError(t, s.UpsertOptimistic(podsMAC, "c1", Change{Field: FieldAllowOffMode, Value: true}))

		info := AirPodsInformation{ModelNumber: "A2084"}
		rec, err := s.Create(podsMAC, FamilyAirPods, info)
		require.NoError(t, err)
		assert.Equal(t, info, rec.Information)
		assert.True(t, rec.Configuration.(*AirPodsConfiguration).AllowOffMode)
	})

	t.Run("different family is rejected", func(t *testing.T) {
		_, err := s.Create(podsMAC, FamilyNothing, nil)
		assert.ErrorIs(t, err, ErrFamilyMismatch)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := s.Create("aa:bb", FamilyAirPods, nil)
		assert.ErrorIs(t, err, ErrInvalidMAC)

		_, err = s.Create("AA:BB:CC:DD:EE:09", Family("sony"), nil)
		assert.ErrorIs(t, err, ErrInvalidFamily)

		_, err = s.Create("AA:BB:CC:DD:EE:09", FamilyAirPods, NothingInformation{})
		assert.ErrorIs(t, err, ErrFamilyMismatch)
	})
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec, err := s.Get(podsMAC)
	require.NoError(t, err)
	rec.Configuration.(*AirPodsConfiguration).DeviceName = "mutated"
	rec.Fields[FieldDeviceName] = FieldState{Status: StatusConfirmed}

	again, err := s.Get(podsMAC)
	require.NoError(t, err)
	assert.Empty(t, again.Configuration.(*AirPodsConfiguration).DeviceName)
	assert.Empty(t, again.Fields)
}

func TestStore_OptimisticThenConfirmed(t *testing.T) {
	s, clock, log := newTestStore(t)

	require.NoError(t, s.UpsertOptimistic(podsMAC, "cmd-1", Change{Field: FieldListeningMode, Value: ListeningModeTransparency}))

	rec, err := s.Get(podsMAC)
	require.NoError(t, err)
	assert.Equal(t, ListeningModeTransparency, rec.Configuration.(*AirPodsConfiguration).ListeningMode)
	st := rec.Fields[FieldListeningMode]
	assert.Equal(t, StatusPending, st.Status)
	assert.Equal(t, "cmd-1", st.CommandID)
	assert.Equal(t, clock.Now().Add(2*time.Second), st.Deadline)

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, s.ApplyConfirmed(StateUpdate{DeviceID: podsMAC, Field: FieldListeningMode, Value: ListeningModeTransparency}))

	rec, err = s.Get(podsMAC)
	require.NoError(t, err)
	assert.Equal(t, ListeningModeTransparency, rec.Configuration.(*AirPodsConfiguration).ListeningMode)
	assert.Equal(t, StatusConfirmed, rec.Fields[FieldListeningMode].Status)
	assert.True(t, rec.Fields[FieldListeningMode].Deadline.IsZero())

	got := log.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, StatusPending, got[0].Status)
	assert.Equal(t, StatusConfirmed, got[1].Status)
	assert.Equal(t, SourceNotification, got[1].Source)
}

func TestStore_ConfirmedOverridesOptimisticValue(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.UpsertOptimistic(podsMAC, "cmd-1", Change{Field: FieldListeningMode, Value: ListeningModeAdaptive}))
	require.NoError(t, s.ApplyConfirmed(StateUpdate{DeviceID: podsMAC, Field: FieldListeningMode, Value: ListeningModeNoiseCancellation}))

	rec, err := s.Get(podsMAC)
	require.NoError(t, err)
	assert.Equal(t, ListeningModeNoiseCancellation, rec.Configuration.(*AirPodsConfiguration).ListeningMode)
	assert.Equal(t, StatusConfirmed, rec.Fields[FieldListeningMode].Status)
}

func TestStore_LastArrivalWins(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.ApplyConfirmed(StateUpdate{DeviceID: nothingMAC, Field: FieldANCMode, Value: ANCModeHigh}))
	require.NoError(t, s.UpsertOptimistic(nothingMAC, "cmd-2", Change{Field: FieldANCMode, Value: ANCModeOff}))

	rec, err := s.Get(nothingMAC)
	require.NoError(t, err)
	assert.Equal(t, ANCModeOff, rec.Configuration.(*NothingConfiguration).ANCMode)
	assert.Equal(t, StatusPending, rec.Fields[FieldANCMode].Status)
}

func TestStore_ConfirmationLeavesOtherFieldsPending(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.UpsertOptimistic(podsMAC, "cmd-1",
		Change{Field: FieldPersonalizedVolume, Value: true},
		Change{Field: FieldConversationAwareness, Value: true},
	))
	require.NoError(t, s.ApplyConfirmed(StateUpdate{DeviceID: podsMAC, Field: FieldPersonalizedVolume, Value: false}))

	rec, err := s.Get(podsMAC)
	require.NoError(t, err)
	cfg := rec.Configuration.(*AirPodsConfiguration)
	assert.False(t, cfg.PersonalizedVolume)
	assert.True(t, cfg.ConversationAwareness)
	assert.Equal(t, StatusConfirmed, rec.Fields[FieldPersonalizedVolume].Status)
	assert.Equal(t, StatusPending, rec.Fields[FieldConversationAwareness].Status)
}

func TestStore_UpsertOptimisticIsAllOrNothing(t *testing.T) {
	s, _, log := newTestStore(t)

	err := s.UpsertOptimistic(podsMAC, "cmd-1",
		Change{Field: FieldPersonalizedVolume, Value: true},
		Change{Field: FieldANCMode, Value: ANCModeHigh},
	)
	require.ErrorIs(t, err, ErrInvalidField)

	rec, err := s.Get(podsMAC)
	require.NoError(t, err)
	assert.False(t, rec.Configuration.(*AirPodsConfiguration).PersonalizedVolume)
	assert.Empty(t, rec.Fields)
	assert.Empty(t, log.snapshot())
}

func TestStore_ApplyConfirmedRejectsBadValue(t *testing.T) {
	s, _, _ := newTestStore(t)

	err := s.ApplyConfirmed(StateUpdate{DeviceID: nothingMAC, Field: FieldANCMode, Value: "loud"})
	assert.ErrorIs(t, err, ErrInvalidValue)

	err = s.ApplyConfirmed(StateUpdate{DeviceID: "AA:BB:CC:DD:EE:99", Field: FieldANCMode, Value: ANCModeLow})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestStore_AllowOffModeControlsListeningModes(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec, _ := s.Get(podsMAC)
	assert.NotContains(t, rec.Configuration.(*AirPodsConfiguration).ListeningModes, ListeningModeOff)

	require.NoError(t, s.ApplyConfirmed(StateUpdate{DeviceID: podsMAC, Field: FieldAllowOffMode, Value: true}))

	rec, _ = s.Get(podsMAC)
	assert.Equal(t, []ListeningMode{
		ListeningModeOff, ListeningModeNoiseCancellation, ListeningModeTransparency, ListeningModeAdaptive,
	}, rec.Configuration.(*AirPodsConfiguration).ListeningModes)
}

func TestStore_MarkUnconfirmed(t *testing.T) {
	s, _, log := newTestStore(t)

	require.NoError(t, s.UpsertOptimistic(podsMAC, "cmd-1", Change{Field: FieldDeviceName, Value: "Studio Buds"}))

	changed, err := s.MarkUnconfirmed(podsMAC, "cmd-1", SourceTransport, "disconnected", FieldDeviceName)
	require.NoError(t, err)
	assert.Equal(t, []Field{FieldDeviceName}, changed)

	rec, _ := s.Get(podsMAC)
	assert.Equal(t, "Studio Buds", rec.Configuration.(*AirPodsConfiguration).DeviceName)
	st := rec.Fields[FieldDeviceName]
	assert.Equal(t, StatusUnconfirmed, st.Status)
	assert.Equal(t, "disconnected", st.Reason)

	last := log.snapshot()[len(log.snapshot())-1]
	assert.Equal(t, StatusUnconfirmed, last.Status)
	assert.Equal(t, "Studio Buds", last.Value)
}

func TestStore_MarkUnconfirmedIgnoresNewerOrConfirmed(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.UpsertOptimistic(podsMAC, "old", Change{Field: FieldListeningMode, Value: ListeningModeAdaptive}))
	require.NoError(t, s.UpsertOptimistic(podsMAC, "new", Change{Field: FieldListeningMode, Value: ListeningModeTransparency}))

	changed, err := s.MarkUnconfirmed(podsMAC, "old", SourceTransport, "timeout", FieldListeningMode)
	require.NoError(t, err)
	assert.Empty(t, changed)

	require.NoError(t, s.ApplyConfirmed(StateUpdate{DeviceID: podsMAC, Field: FieldListeningMode, Value: ListeningModeTransparency}))
	changed, err = s.MarkUnconfirmed(podsMAC, "new", SourceTransport, "timeout", FieldListeningMode)
	require.NoError(t, err)
	assert.Empty(t, changed)

	rec, _ := s.Get(podsMAC)
	assert.Equal(t, StatusConfirmed, rec.Fields[FieldListeningMode].Status)
}

func TestStore_ExpirePending(t *testing.T) {
	s, clock, _ := newTestStore(t)

	require.NoError(t, s.UpsertOptimistic(nothingMAC, "cmd-1", Change{Field: FieldANCMode, Value: ANCModeMid}))

	assert.Equal(t, 0, s.ExpirePending(clock.Now().Add(time.Second)))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.ExpirePending(clock.Now()))

	rec, _ := s.Get(nothingMAC)
	st := rec.Fields[FieldANCMode]
	assert.Equal(t, StatusUnconfirmed, st.Status)
	assert.Equal(t, SourceTimeout, st.Source)
	assert.Equal(t, ANCModeMid, rec.Configuration.(*NothingConfiguration).ANCMode)

	// Already unconfirmed fields do not expire twice.
	assert.Equal(t, 0, s.ExpirePending(clock.Now().Add(time.Hour)))
}

func TestStore_RunSweeps(t *testing.T) {
	s := NewStore(10 * time.Millisecond)
	_, err := s.Create(podsMAC, FamilyAirPods, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertOptimistic(podsMAC, "c", Change{Field: FieldAllowOffMode, Value: true}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		rec, err := s.Get(podsMAC)
		return err == nil && rec.Fields[FieldAllowOffMode].Status == StatusUnconfirmed
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestStore_Remove(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Remove(podsMAC))
	assert.Equal(t, 1, s.Len())

	_, err := s.Get(podsMAC)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, s.Remove(podsMAC), ErrDeviceNotFound)
	assert.ErrorIs(t, s.UpsertOptimistic(podsMAC, "c", Change{Field: FieldAllowOffMode, Value: true}), ErrDeviceNotFound)

	// A reconnect may come back as a fresh record.
	rec, err := s.Create(podsMAC, FamilyAirPods, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.Fields)
}

func TestStore_ListSorted(t *testing.T) {
	s, _, _ := newTestStore(t)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, podsMAC, list[0].ID)
	assert.Equal(t, nothingMAC, list[1].ID)
}

func TestStore_SetInformation(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.SetInformation(podsMAC, AirPodsInformation{Name: "Pods", SerialNumber: "X1"}))
	rec, _ := s.Get(podsMAC)
	assert.Equal(t, "X1", rec.Information.(AirPodsInformation).SerialNumber)

	assert.ErrorIs(t, s.SetInformation(podsMAC, NothingInformation{}), ErrFamilyMismatch)
	assert.NoError(t, s.SetInformation(podsMAC, nil))
}

// Readers must never see half of a multi-field change.
func TestStore_ConcurrentUpdatesAreAtomic(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.SetOnChange(nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := i%2 == 0
			_ = s.UpsertOptimistic(podsMAC, fmt.Sprint(i),
				Change{Field: FieldPersonalizedVolume, Value: v},
				Change{Field: FieldConversationAwareness, Value: v},
			)
		}
	}()

	for i := 0; i < 2000; i++ {
		rec, err := s.Get(podsMAC)
		require.NoError(t, err)
		cfg := rec.Configuration.(*AirPodsConfiguration)
		if cfg.PersonalizedVolume != cfg.ConversationAwareness {
			close(stop)
			wg.Wait()
			t.Fatalf("observed partial update: %+v", cfg)
		}
	}
	close(stop)
	wg.Wait()
}

func TestStore_TransitionsDeliveredInApplyOrder(t *testing.T) {
	s, _, log := newTestStore(t)

	var wg sync.WaitGroup
	modes := AllANCModes()
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				m := modes[(i+w)%len(modes)]
				if w == 0 {
					_ = s.UpsertOptimistic(nothingMAC, fmt.Sprint(i), Change{Field: FieldANCMode, Value: m})
				} else {
					_ = s.ApplyConfirmed(StateUpdate{DeviceID: nothingMAC, Field: FieldANCMode, Value: m})
				}
			}
		}()
	}
	wg.Wait()

	var got []Transition
	for _, tr := range log.snapshot() {
		if tr.DeviceID == nothingMAC {
			got = append(got, tr)
		}
	}
	require.Len(t, got, 1000)
	for i, tr := range got {
		require.Equal(t, uint64(i+1), tr.Seq, "transition %d delivered out of order", i)
	}

	// The last delivered transition describes the stored state.
	rec, err := s.Get(nothingMAC)
	require.NoError(t, err)
	last := got[len(got)-1]
	assert.Equal(t, rec.Configuration.(*NothingConfiguration).ANCMode, last.Value)
	assert.Equal(t, rec.Fields[FieldANCMode].Status, last.Status)
}

func TestStore_ConcurrentDevices(t *testing.T) {
	s := NewStore(time.Second)
	const n = 16

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		mac := fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(mac, FamilyNothing, nil); err != nil {
				t.Error(err)
				return
			}
			for _, m := range AllANCModes() {
				if err := s.UpsertOptimistic(mac, string(m), Change{Field: FieldANCMode, Value: m}); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, s.Len())
	for _, rec := range s.List() {
		assert.Equal(t, ANCModeTransparency, rec.Configuration.(*NothingConfiguration).ANCMode)
	}
}

func TestErrorsWrapSentinels(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Get("AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Get() error = %v, want ErrDeviceNotFound", err)
	}
}
