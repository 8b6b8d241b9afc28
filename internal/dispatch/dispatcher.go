package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/budlink/internal/codec"
	"github.com/nerrad567/budlink/internal/transport"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultQueueSize      = 32
	DefaultCommandTimeout = 5 * time.Second
	DefaultRetryBackoff   = 200 * time.Millisecond
)

// Errors returned by the dispatcher. Errors that describe the link are
// *transport.Error values instead.
var (
	// ErrAlreadyAttached is returned when Attach is called twice for a device.
	ErrAlreadyAttached = errors.New("dispatch: device already attached")

	// ErrNotAttached wraps the disconnected error returned for an unknown device.
	ErrNotAttached = errors.New("dispatch: device not attached")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch: dispatcher closed")

	// ErrNilTransport is returned when Attach is given a nil transport.
	ErrNilTransport = errors.New("dispatch: nil transport")
)

// Transport writes one encoded command to a headset. Implementations must
// honour ctx cancellation.
type Transport interface {
	Send(ctx context.Context, cmd codec.Command) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, cmd codec.Command) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, cmd codec.Command) error { return f(ctx, cmd) }

// Config tunes the dispatcher.
type Config struct {
	// QueueSize is the per-device queue capacity. Dispatch fails with
	// transport.ReasonQueueFull when the queue is full.
	QueueSize int

	// CommandTimeout bounds a single send attempt.
	CommandTimeout time.Duration

	// MaxRetries is the number of extra attempts after a retryable failure.
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// Logger defines the logging interface used by the dispatcher.
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

// ResultFunc is called from the device worker after every ticket
// completes. It must not block.
type ResultFunc func(*Ticket)

// Stats holds dispatcher counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Retries    uint64 `json:"retries"`
	Rejected   uint64 `json:"rejected"`
	Devices    int    `json:"devices"`
}

// Dispatcher owns one queue per attached device.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	cfg Config

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup

	logger   Logger
	onResult ResultFunc
	cbMu     sync.RWMutex

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	retries    atomic.Uint64
	rejected   atomic.Uint64
}

type queue struct {
	deviceID  string
	transport Transport
	ch        chan *Ticket

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards detached and sends on ch.
	mu       sync.Mutex
	detached bool
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Dispatcher{
		cfg:    cfg,
		queues: make(map[string]*queue),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// SetOnResult registers the completion callback.
func (d *Dispatcher) SetOnResult(fn ResultFunc) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onResult = fn
}

// Attach binds a transport to deviceID and starts its worker.
func (d *Dispatcher) Attach(deviceID string, t Transport) error {
	if t == nil {
		return ErrNilTransport
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, ok := d.queues[deviceID]; ok {
		return ErrAlreadyAttached
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		deviceID:  deviceID,
		transport: t,
		ch:        make(chan *Ticket, d.cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	d.queues[deviceID] = q

	d.wg.Add(1)
	go d.worker(q)

	d.log().Debug("dispatch queue attached", "device", deviceID)
	return nil
}

// Attached reports whether deviceID has a queue.
func (d *Dispatcher) Attached(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.queues[deviceID]
	return ok
}

// Detach removes the device queue. The in-flight send is cancelled and
// every queued ticket completes with transport.ReasonDisconnected. Detach
// blocks until the worker has exited. It is a no-op for unknown devices.
func (d *Dispatcher) Detach(deviceID string) {
	d.mu.Lock()
	q, ok := d.queues[deviceID]
	if ok {
		delete(d.queues, deviceID)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	d.stopQueue(q)
	d.log().Debug("dispatch queue detached", "device", deviceID)
}

// Dispatch enqueues cmd for deviceID.
//
// Parameters:
//   - deviceID: the attached device
//   - commandID: caller identifier carried on the ticket
//   - cmd: the encoded command
//
// Returns:
//   - *Ticket: completes when the command was written or failed
//   - error: *transport.Error with ReasonDisconnected when the device has
//     no queue, or ReasonQueueFull when its queue is full
func (d *Dispatcher) Dispatch(deviceID, commandID string, cmd codec.Command) (*Ticket, error) {
	d.mu.Lock()
	q, ok := d.queues[deviceID]
	closed := d.closed
	d.mu.Unlock()

	if closed {
		d.rejected.Add(1)
		return nil, transport.NewError(transport.ReasonDisconnected, "dispatch", ErrClosed)
	}
	if !ok {
		d.rejected.Add(1)
		return nil, transport.NewError(transport.ReasonDisconnected, "dispatch", ErrNotAttached)
	}

	t := newTicket(commandID, deviceID, cmd)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.detached {
		d.rejected.Add(1)
		return nil, transport.NewError(transport.ReasonDisconnected, "dispatch", ErrNotAttached)
	}
	select {
	case q.ch <- t:
		d.dispatched.Add(1)
		return t, nil
	default:
		d.rejected.Add(1)
		return nil, transport.NewError(transport.ReasonQueueFull, "dispatch", nil)
	}
}

// Depth returns the number of commands waiting for deviceID, excluding
// the one in flight.
func (d *Dispatcher) Depth(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[deviceID]; ok {
		return len(q.ch)
	}
	return 0
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	devices := len(d.queues)
	d.mu.Unlock()
	return Stats{
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Retries:    d.retries.Load(),
		Rejected:   d.rejected.Load(),
		Devices:    devices,
	}
}

// Close detaches every device and waits for all workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queues := make([]*queue, 0, len(d.queues))
	for id, q := range d.queues {
		queues = append(queues, q)
		delete(d.queues, id)
	}
	d.mu.Unlock()

	for _, q := range queues {
		d.stopQueue(q)
	}
	d.wg.Wait()
}

func (d *Dispatcher) stopQueue(q *queue) {
	q.mu.Lock()
	q.detached = true
	q.mu.Unlock()
	q.cancel()
	<-q.done
}

// worker drains one device queue in FIFO order.
func (d *Dispatcher) worker(q *queue) {
	defer d.wg.Done()
	defer close(q.done)

	for {
		select {
		case <-q.ctx.Done():
			d.drain(q)
			return
		case t := <-q.ch:
			d.execute(q, t)
		}
	}
}

// drain fails every queued ticket after the queue was detached. No sends
// can race with it because detached is set before the context is cancelled.
func (d *Dispatcher) drain(q *queue) {
	for {
		select {
		case t := <-q.ch:
			d.complete(t, disconnectedError(nil))
		default:
			return
		}
	}
}

func (d *Dispatcher) execute(q *queue, t *Ticket) {
	t.started = time.Now()

	for attempt := 1; ; attempt++ {
		if q.ctx.Err() != nil {
			d.complete(t, disconnectedError(nil))
			return
		}

		t.attempts = attempt
		err := d.send(q, t.Command)
		if err == nil {
			d.complete(t, nil)
			return
		}

		if q.ctx.Err() != nil {
			err = disconnectedError(err)
		} else {
			err = transport.Classify("send", err)
		}

		if attempt > d.cfg.MaxRetries || !transport.Retryable(err) {
			d.complete(t, err)
			return
		}

		d.retries.Add(1)
		d.log().Debug("retrying command",
			"device", q.deviceID,
			"command", t.Command.Label,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(d.cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-q.ctx.Done():
			timer.Stop()
			d.complete(t, disconnectedError(err))
			return
		case <-timer.C:
		}
	}
}

// send runs one attempt, recovering a panicking transport into a write
// failure.
func (d *Dispatcher) send(q *queue, cmd codec.Command) (err error) {
	ctx, cancel := context.WithTimeout(q.ctx, d.cfg.CommandTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log().Error("transport panic", "device", q.deviceID, "panic", r)
			err = transport.NewError(transport.ReasonWriteFailed, "send", errors.New("transport panicked"))
		}
	}()

	return q.transport.Send(ctx, cmd)
}

func (d *Dispatcher) complete(t *Ticket, err error) {
	if err == nil {
		d.succeeded.Add(1)
	} else {
		d.failed.Add(1)
		d.log().Warn("command failed",
			"device", t.DeviceID,
			"command_id", t.ID,
			"command", t.Command.Label,
			"reason", transport.ReasonOf(err),
			"attempts", t.attempts,
		)
	}
	t.finish(err)

	d.cbMu.RLock()
	fn := d.onResult
	d.cbMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log().Error("result callback panic", "panic", r)
		}
	}()
	fn(t)
}

func (d *Dispatcher) log() Logger {
	d.cbMu.RLock()
	defer d.cbMu.RUnlock()
	return d.logger
}

func disconnectedError(cause error) error {
	var te *transport.Error
	if errors.As(cause, &te) && te.Reason == transport.ReasonDisconnected {
		return te
	}
	return transport.NewError(transport.ReasonDisconnected, "send", cause)
}
