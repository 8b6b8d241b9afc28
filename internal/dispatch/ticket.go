package dispatch

import (
	"context"
	"time"

	"github.com/nerrad567/budlink/internal/codec"
)

// Ticket tracks one dispatched command. Its accessors other than Done and
// Wait are only meaningful once Done is closed.
type Ticket struct {
	ID       string
	DeviceID string
	Command  codec.Command
	Enqueued time.Time

	done     chan struct{}
	err      error
	attempts int
	started  time.Time
	finished time.Time
}

func newTicket(id, deviceID string, cmd codec.Command) *Ticket {
	return &Ticket{
		ID:       id,
		DeviceID: deviceID,
		Command:  cmd,
		Enqueued: time.Now(),
		done:     make(chan struct{}),
	}
}

// Done is closed when the command completes.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the outcome: nil on success, otherwise a *transport.Error.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the command completes or ctx ends. A ctx error does
// not cancel the command.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempts returns how many sends were made. Zero means the command was
// failed before reaching the transport.
func (t *Ticket) Attempts() int {
	<-t.done
	return t.attempts
}

// Latency is the time from enqueue to completion.
func (t *Ticket) Latency() time.Duration {
	<-t.done
	return t.finished.Sub(t.Enqueued)
}

func (t *Ticket) finish(err error) {
	t.err = err
	t.finished = time.Now()
	close(t.done)
}
