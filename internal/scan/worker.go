// Package scan runs long engine scans in the background.
//
// A Worker runs once. Its progress is reported by the scan goroutine and
// handed over a channel to a forwarder goroutine, which is the only one
// calling the observers. Cancellation is cooperative: the scan stops at the
// next progress report, and no event is delivered once Cancel or Close was
// called.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CZERTAINLY/Arbiter/internal/assert"
	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/log"
	"github.com/CZERTAINLY/Arbiter/internal/notify"
)

var (
	ErrAlreadyRun     = errors.New("scan worker already run")
	ErrInvalidOptions = errors.New("invalid scan options")
)

type State int

const (
	Idle State = iota
	Running
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Phase is one step of a scan. Engine phases run holding the engine, which
// is released between phases; e is nil for the others. report returns false
// once the phase should stop.
type Phase[O, P, R any] struct {
	Name   string
	Engine bool
	Run    func(ctx context.Context, e engine.Engine, opts O, report func(P) bool) ([]R, error)
}

// Result is what a scan found. Incomplete is set unless the scan completed.
type Result[R any] struct {
	Items      []R
	State      State
	Incomplete bool
	Err        error
}

type Option func(*config)

type config struct {
	limiter *rate.Limiter
	buffer  int
}

// WithThrottle limits progress events to rps per second.
func WithThrottle(rps float64, burst int) Option {
	return func(c *config) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type Worker[O, P, R any] struct {
	h      *engine.Handle
	name   string
	phases []Phase[O, P, R]
	cfg    config

	started   atomic.Bool
	launched  atomic.Bool
	cancelled atomic.Bool
	closing   atomic.Bool
	done      chan struct{}
	progressC chan reported[P]

	mu       sync.Mutex // job state, taken after the engine guard
	cancel   context.CancelFunc
	opts     O
	snapshot P
	seq      uint64 // of snapshot, 0 until the first report
	items    []R
	state    State
	err      error

	progress  notify.Topic[P]
	completed notify.Topic[Result[R]]
}

func New[O, P, R any](h *engine.Handle, name string, phases []Phase[O, P, R], opts ...Option) *Worker[O, P, R] {
	cfg := config{buffer: 64}
	for _, o := range opts {
		o(&cfg)
	}
	return &Worker[O, P, R]{
		h:         h,
		name:      name,
		phases:    phases,
		cfg:       cfg,
		done:      make(chan struct{}),
		progressC: make(chan reported[P], cfg.buffer),
	}
}

func (w *Worker[O, P, R]) Name() string { return w.name }

// Run validates opts and starts the scan in the background. Invalid options
// return ErrInvalidOptions and leave the worker Idle. A worker runs once.
func (w *Worker[O, P, R]) Run(ctx context.Context, opts O) error {
	if !w.started.CompareAndSwap(false, true) {
		if err := assert.Check(false, "%s scan worker run twice", w.name); err != nil {
			return fmt.Errorf("%w: %w", ErrAlreadyRun, err)
		}
		return ErrAlreadyRun
	}
	if err := validate.Struct(opts); err != nil {
		w.started.Store(false)
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	ctx = log.ContextAttrs(ctx, slog.String("scan", w.name))
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.opts = opts
	w.state = Running
	w.cancel = cancel
	w.mu.Unlock()
	if w.cancelled.Load() {
		cancel()
	}

	slog.DebugContext(ctx, "starting a scan worker")
	var g errgroup.Group
	g.Go(func() error {
		defer close(w.progressC)
		w.scan(ctx, opts)
		return nil
	})
	g.Go(func() error {
		w.forward(ctx)
		return nil
	})
	w.launched.Store(true)
	go func() {
		_ = g.Wait()
		cancel()
		close(w.done)
	}()
	return nil
}

func (w *Worker[O, P, R]) scan(ctx context.Context, opts O) {
	var err error
	for _, phase := range w.phases {
		if w.cancelled.Load() || ctx.Err() != nil {
			break
		}
		slog.DebugContext(ctx, "scan phase", "phase", phase.Name, "engine", phase.Engine)
		if phase.Engine {
			err = w.h.Do(ctx, func(ctx context.Context, e engine.Engine) error {
				return w.runPhase(ctx, phase, e, opts)
			})
		} else {
			err = w.runPhase(ctx, phase, nil, opts)
		}
		if err != nil {
			break
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.cancelled.Load() || ctx.Err() != nil:
		w.state = Cancelled
		if !errors.Is(err, context.Canceled) {
			w.err = err
		}
	default:
		w.state = Completed
		w.err = err
	}
	slog.DebugContext(ctx, "scan ended", "state", w.state.String(), "items", len(w.items), "error", w.err)
}

func (w *Worker[O, P, R]) runPhase(ctx context.Context, phase Phase[O, P, R], e engine.Engine, opts O) error {
	items, err := phase.Run(ctx, e, opts, w.report)
	w.mu.Lock()
	w.items = append(w.items, items...)
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", phase.Name, err)
	}
	return nil
}

type reported[P any] struct {
	seq uint64
	p   P
}

// report runs on the scan goroutines.
func (w *Worker[O, P, R]) report(p P) bool {
	w.mu.Lock()
	w.seq++
	w.snapshot = p
	r := reported[P]{seq: w.seq, p: p}
	w.mu.Unlock()

	if w.cancelled.Load() {
		return false
	}
	select {
	case w.progressC <- r:
	default:
		// the forwarder is behind, the snapshot keeps the latest value
	}
	return !w.cancelled.Load()
}

func (w *Worker[O, P, R]) silenced() bool {
	return w.cancelled.Load() || w.closing.Load()
}

func (w *Worker[O, P, R]) deliverable() bool {
	return !w.silenced()
}

// forward delivers the progress events and the completion. Events dropped
// on the way are skipped, but the final progress is always delivered.
func (w *Worker[O, P, R]) forward(ctx context.Context) {
	var published uint64
	for r := range w.progressC {
		if w.silenced() {
			continue
		}
		if w.cfg.limiter != nil && !w.cfg.limiter.Allow() {
			continue
		}
		published = max(published, r.seq)
		w.progress.PublishWhile(r.p, w.deliverable)
	}

	w.mu.Lock()
	last, seq := w.snapshot, w.seq
	w.mu.Unlock()
	if seq > published && !w.silenced() {
		w.progress.PublishWhile(last, w.deliverable)
	}

	res := w.Results()
	if res.State == Completed && !w.silenced() {
		w.completed.PublishWhile(res, w.deliverable)
	} else {
		slog.DebugContext(ctx, "scan completion not delivered", "state", res.State.String())
	}
}

// Cancel asks the scan to stop. It never blocks and may be called from the
// observers. Observers not yet called for an event are skipped once Cancel
// was called; a call already running on the forwarder may finish, Wait and
// Close wait for it.
func (w *Worker[O, P, R]) Cancel() {
	if w.cancelled.Swap(true) {
		return
	}
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until a started scan has ended and every observer returned.
func (w *Worker[O, P, R]) Wait() {
	if !w.launched.Load() {
		return
	}
	<-w.done
}

// Done is closed when a started scan has ended.
func (w *Worker[O, P, R]) Done() <-chan struct{} {
	return w.done
}

// Close cancels the scan and waits for it. No event is delivered once Close
// has been called. It must not be called from the observers.
func (w *Worker[O, P, R]) Close() {
	w.closing.Store(true)
	w.Cancel()
	w.Wait()
}

func (w *Worker[O, P, R]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Options returns the options the worker runs with.
func (w *Worker[O, P, R]) Options() O {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opts
}

// Progress returns the latest progress reported by the scan.
func (w *Worker[O, P, R]) Progress() (P, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot, w.seq > 0
}

func (w *Worker[O, P, R]) Results() Result[R] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Result[R]{
		Items:      append([]R(nil), w.items...),
		State:      w.state,
		Incomplete: w.state != Completed,
		Err:        w.err,
	}
}

// OnProgress subscribes fn to progress events, delivered on the forwarder
// goroutine.
func (w *Worker[O, P, R]) OnProgress(fn func(P)) func() {
	return w.progress.Subscribe(fn)
}

// OnCompleted subscribes fn to the completion of the scan. It is not called
// for a cancelled scan.
func (w *Worker[O, P, R]) OnCompleted(fn func(Result[R])) func() {
	return w.completed.Subscribe(fn)
}
