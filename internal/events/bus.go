package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

// defaultBufferSize is the channel capacity of a subscription.
const defaultBufferSize = 64

// Bus fans events out to subscribers.
//
// Publish never blocks: an event is dropped for any subscriber whose
// buffer is full, and the drop is counted on that subscription.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription receives events of the kinds it asked for.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	kinds   []Kind
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. With no kinds it receives every event.
// A non-positive buffer uses the default size.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer), kinds: kinds}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every interested subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, s)
	}
}

// C returns the receive channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}
