package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
)

var (
	ErrRunnerInProgress = errors.New("runner loop already in progress")
)

type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	tracer trace.Tracer
	mp     metric.MeterProvider
}

func WithTracer(tracer trace.Tracer) RunnerOption {
	return func(c *runnerConfig) { c.tracer = tracer }
}

func WithMeterProvider(mp metric.MeterProvider) RunnerOption {
	return func(c *runnerConfig) { c.mp = mp }
}

// Runner executes started tasks one at a time, each one holding the engine
// for its whole run.
type Runner struct {
	h       *engine.Handle
	tracer  trace.Tracer
	metrics *metrics

	loop atomic.Bool
	wake chan struct{}

	mx        sync.Mutex
	pending   []*Task
	running   *Task
	closed    bool
	finished  uint64
	cancelled uint64
}

func NewRunner(h *engine.Handle, opts ...RunnerOption) (*Runner, error) {
	cfg := runnerConfig{
		tracer: tracenoop.NewTracerProvider().Tracer(namespace),
		mp:     metricnoop.NewMeterProvider(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := newMetrics(cfg.mp)
	if err != nil {
		return nil, fmt.Errorf("initializing task metrics: %w", err)
	}
	return &Runner{
		h:       h,
		tracer:  cfg.tracer,
		metrics: m,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Handle is the engine the runner's tasks hold.
func (r *Runner) Handle() *engine.Handle { return r.h }

// Command creates a task running a textual engine command.
func (r *Runner) Command(cmd string, opts ...Option) *Task {
	t := newTask(r, KindCommand, append([]Option{WithTitle(cmd)}, opts...))
	t.cmd = cmd
	return t
}

// Function creates a task running fn.
func (r *Runner) Function(fn Func, opts ...Option) *Task {
	t := newTask(r, KindFunction, append([]Option{WithTitle("function")}, opts...))
	t.fn = fn
	return t
}

// Stats is a snapshot of the runner queue.
type Stats struct {
	Pending   int
	Running   bool
	Finished  uint64
	Cancelled uint64
}

func (r *Runner) Stats() Stats {
	r.mx.Lock()
	defer r.mx.Unlock()
	return Stats{
		Pending:   len(r.pending),
		Running:   r.running != nil,
		Finished:  r.finished,
		Cancelled: r.cancelled,
	}
}

func (r *Runner) enqueue(t *Task) {
	r.mx.Lock()
	if r.closed {
		r.mx.Unlock()
		slog.Debug("runner closed: cancelling task", "task", t.String())
		r.end(context.Background(), t, result{err: context.Canceled}, Cancelled)
		return
	}
	r.pending = append(r.pending, t)
	r.mx.Unlock()
	r.metrics.queued(context.Background(), 1)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) next() *Task {
	r.mx.Lock()
	defer r.mx.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	t := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	r.running = t
	return t
}

// Do runs the runner loop until ctx is cancelled. Tasks still queued then
// end Cancelled, and so do tasks started afterwards. Only one Do may run at
// a time; others return ErrRunnerInProgress.
func (r *Runner) Do(ctx context.Context) error {
	if !r.loop.CompareAndSwap(false, true) {
		return ErrRunnerInProgress
	}
	defer r.loop.Store(false)

	slog.DebugContext(ctx, "starting a task runner")
	defer r.shutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			for ctx.Err() == nil {
				t := r.next()
				if t == nil {
					break
				}
				r.metrics.queued(ctx, -1)
				r.run(ctx, t)
			}
		}
	}
}

func (r *Runner) shutdown(ctx context.Context) {
	r.mx.Lock()
	r.closed = true
	pending := r.pending
	r.pending = nil
	r.mx.Unlock()

	if len(pending) > 0 {
		slog.DebugContext(ctx, "cancelling queued tasks", "count", len(pending))
		r.metrics.queued(context.WithoutCancel(ctx), -int64(len(pending)))
	}
	for _, t := range pending {
		r.end(context.WithoutCancel(ctx), t, result{err: context.Canceled}, Cancelled)
	}
}

func (r *Runner) run(loopCtx context.Context, t *Task) {
	t.mu.Lock()
	skip := t.cancelRequested
	t.started = time.Now().UTC()
	t.mu.Unlock()
	if skip {
		r.end(loopCtx, t, result{err: context.Canceled}, Cancelled)
		return
	}

	runCtx, cancelRun := context.WithCancel(loopCtx)
	defer cancelRun()
	stop := context.AfterFunc(t.ctx, cancelRun)
	defer stop()

	runCtx = context.WithValue(runCtx, taskKey{}, t)
	runCtx = context.WithValue(runCtx, runnerKey{}, r)
	runCtx, span := r.tracer.Start(runCtx, "task."+t.kind.String(),
		trace.WithAttributes(
			attribute.String("task.id", t.id.String()),
			attribute.String("task.title", t.title),
		))
	defer span.End()

	r.metrics.run(runCtx, t.kind)
	slog.DebugContext(runCtx, "running task", "task", t.String())

	res := r.execute(runCtx, t)

	// cancelled only when the body gave in to the cancel request or to the
	// shutdown; a body ignoring them finished
	t.mu.Lock()
	state := Finished
	interrupted := errors.Is(res.err, context.Canceled) && (t.cancelRequested || loopCtx.Err() != nil)
	if t.cancelSeen || interrupted {
		state = Cancelled
	}
	t.mu.Unlock()

	if res.err != nil {
		span.RecordError(res.err)
		if state == Finished {
			span.SetStatus(codes.Error, res.err.Error())
		}
	}
	span.SetAttributes(attribute.String("task.state", state.String()))
	r.end(runCtx, t, res, state)
}

// execute runs the task body under the engine guard. The guard is released,
// and a moved cursor reported, before the task ends.
func (r *Runner) execute(ctx context.Context, t *Task) (res result) {
	ctx, g := r.h.Acquire(ctx)
	defer g.Release()
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "task panicked", "task", t.String(), "panic", p, "stack", string(debug.Stack()))
			res = result{err: fmt.Errorf("%w: %v", ErrPanic, p)}
		}
	}()

	switch t.kind {
	case KindCommand:
		out, err := g.Engine().Cmd(ctx, t.cmd)
		return result{output: out, err: err}
	default:
		v, err := t.fn(ctx, g.Engine())
		res = result{value: v, err: err}
		if s, ok := v.(string); ok {
			res.output = s
		}
		return res
	}
}

func (r *Runner) end(ctx context.Context, t *Task, res result, state State) {
	r.mx.Lock()
	if r.running == t {
		r.running = nil
	}
	if state == Cancelled {
		r.cancelled++
	} else {
		r.finished++
	}
	r.mx.Unlock()

	t.finish(res, state)
	r.metrics.end(ctx, t.kind, state, t.Elapsed())
	slog.DebugContext(ctx, "task ended", "task", t.String(), "state", state.String(), "error", res.err)
}
