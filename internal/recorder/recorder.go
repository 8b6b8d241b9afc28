package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/budlink/internal/session"
	"github.com/nerrad567/budlink/internal/transport"
)

const (
	// transitionBuffer is large because history must not fall behind a
	// burst of notifications.
	transitionBuffer = 1024
	outcomeBuffer    = 256

	writeTimeout = 5 * time.Second
)

// Telemetry is the subset of *influxdb.Client the recorder uses.
type Telemetry interface {
	WriteCommandOutcome(o influxdb.CommandOutcome)
	WriteFieldTransition(deviceID, field, status, source string, at time.Time)
}

// CommandStore persists command outcomes. *CommandLog implements it.
type CommandStore interface {
	Append(ctx context.Context, e CommandLogEntry) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Logger defines the logging interface used by the recorder.
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

// Options configures a Recorder. Every sink is optional.
type Options struct {
	Bus       *events.Bus
	History   device.HistoryRepository
	Commands  CommandStore
	Telemetry Telemetry

	// Retention is how long history and command log rows are kept.
	// Zero disables pruning.
	Retention time.Duration

	// PruneSchedule is a cron expression; "@daily" when empty.
	PruneSchedule string

	Logger Logger
}

// Recorder writes transitions and outcomes to the configured sinks.
//
// Thread Safety: RecordOutcome may be called from any goroutine. Writes
// happen on the recorder's own goroutines.
type Recorder struct {
	opts   Options
	logger Logger

	sub      *events.Subscription
	outcomes chan session.Outcome
	cron     *cron.Cron

	dropped atomic.Uint64

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a recorder. Call Start to begin.
func New(opts Options) (*Recorder, error) {
	if opts.Bus == nil {
		return nil, errors.New("recorder: bus is required")
	}
	if opts.PruneSchedule == "" {
		opts.PruneSchedule = "@daily"
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	r := &Recorder{
		opts:     opts,
		logger:   logger,
		outcomes: make(chan session.Outcome, outcomeBuffer),
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
	if opts.Retention > 0 && (opts.History != nil || opts.Commands != nil) {
		if _, err := r.cron.AddFunc(opts.PruneSchedule, r.prune); err != nil {
			return nil, fmt.Errorf("recorder: invalid prune schedule %q: %w", opts.PruneSchedule, err)
		}
	}
	return r, nil
}

// Start begins recording.
func (r *Recorder) Start(ctx context.Context) {
	r.ctx, r.ctxCancel = context.WithCancel(ctx)
	r.sub = r.opts.Bus.Subscribe(transitionBuffer, events.KindStateChanged)

	r.wg.Add(2)
	go r.transitionLoop()
	go r.outcomeLoop()

	r.cron.Start()
	r.logger.Info("recorder started", "prune_schedule", r.opts.PruneSchedule, "retention", r.opts.Retention)
}

// Stop halts recording and waits for in-flight writes and a running prune.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
		if r.ctxCancel != nil {
			r.ctxCancel()
		}
		if r.sub != nil {
			r.sub.Unsubscribe()
		}
		r.wg.Wait()
		if dropped := r.Dropped(); dropped > 0 {
			r.logger.Warn("recorder dropped records", "count", dropped)
		}
	})
}

// Dropped reports how many transitions and outcomes were lost because a
// buffer was full.
func (r *Recorder) Dropped() uint64 {
	n := r.dropped.Load()
	if r.sub != nil {
		n += r.sub.Dropped()
	}
	return n
}

// RecordOutcome queues a command outcome. It never blocks; it matches
// session.OutcomeFunc.
func (r *Recorder) RecordOutcome(o session.Outcome) {
	select {
	case r.outcomes <- o:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) transitionLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.sub.C():
			if !ok {
				return
			}
			t, ok := ev.Payload.(device.Transition)
			if !ok {
				continue
			}
			r.writeTransition(t)
		}
	}
}

func (r *Recorder) outcomeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case o := <-r.outcomes:
			r.writeOutcome(o)
		}
	}
}

func (r *Recorder) writeTransition(t device.Transition) {
	if r.opts.Telemetry != nil {
		r.opts.Telemetry.WriteFieldTransition(t.DeviceID, string(t.Field), string(t.Status), t.Source, t.At)
	}
	if r.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()
	if err := r.opts.History.RecordTransition(ctx, t); err != nil {
		r.logger.Error("failed to record transition", "device", t.DeviceID, "field", t.Field, "error", err)
	}
}

func (r *Recorder) writeOutcome(o session.Outcome) {
	result := OutcomeName(o.Err)
	field := string(o.Field)
	if field == "" {
		field = o.Label
	}

	if r.opts.Telemetry != nil {
		r.opts.Telemetry.WriteCommandOutcome(influxdb.CommandOutcome{
			DeviceID: o.DeviceID,
			Family:   string(o.Family),
			Command:  field,
			Outcome:  result,
			Attempts: o.Attempts,
			Latency:  o.Latency,
			At:       o.At,
		})
	}
	if r.opts.Commands == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()
	err := r.opts.Commands.Append(ctx, CommandLogEntry{
		CommandID: o.CommandID,
		DeviceID:  o.DeviceID,
		Field:     field,
		Outcome:   result,
		Attempts:  o.Attempts,
		LatencyMS: o.Latency.Milliseconds(),
		CreatedAt: o.At,
	})
	if err != nil {
		r.logger.Error("failed to log command", "command_id", o.CommandID, "error", err)
	}
}

// OutcomeName is "ok" for nil, the transport reason for a transport
// error, and "error" otherwise.
func OutcomeName(err error) string {
	if err == nil {
		return "ok"
	}
	if reason := transport.ReasonOf(err); reason != "" {
		return string(reason)
	}
	return "error"
}

// prune runs on the cron goroutine.
func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	r.Prune(ctx)
}

// Prune deletes history and command log rows older than the retention.
func (r *Recorder) Prune(ctx context.Context) {
	if r.opts.Retention <= 0 {
		return
	}
	if r.opts.History != nil {
		n, err := r.opts.History.PruneHistory(ctx, r.opts.Retention)
		if err != nil {
			r.logger.Error("failed to prune history", "error", err)
		} else if n > 0 {
			r.logger.Info("pruned history", "rows", n)
		}
	}
	if r.opts.Commands != nil {
		n, err := r.opts.Commands.Prune(ctx, r.opts.Retention)
		if err != nil {
			r.logger.Error("failed to prune command log", "error", err)
		} else if n > 0 {
			r.logger.Info("pruned command log", "rows", n)
		}
	}
}
