// Package task runs engine work asynchronously.
//
// A Task is created by a Runner in the Created state, started once, and
// executed on the runner goroutine while holding the engine. Everything
// observing a task (Join, Done, OnFinished) may run on any goroutine.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Arbiter/internal/assert"
	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/notify"
)

var (
	// ErrSelfJoin is returned by Join when waiting would deadlock.
	ErrSelfJoin = errors.New("task joined from the goroutine it depends on")
	// ErrPanic wraps a panic recovered from a task.
	ErrPanic = errors.New("task panicked")
)

type Kind int

const (
	KindCommand Kind = iota
	KindFunction
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindFunction:
		return "function"
	default:
		return "unknown"
	}
}

type State int

const (
	Created State = iota
	Running
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Func is the body of a function task. It is called with the engine held;
// long running bodies should poll Stopping(ctx).
type Func func(ctx context.Context, e engine.Engine) (any, error)

type Option func(*Task)

func WithTitle(title string) Option {
	return func(t *Task) { t.title = title }
}

// Transient makes the task drop its result once the finished observers ran.
// It suits fire and forget commands whose output nobody reads.
func Transient() Option {
	return func(t *Task) { t.transient = true }
}

type Task struct {
	id        uuid.UUID
	kind      Kind
	title     string
	cmd       string
	fn        Func
	transient bool
	runner    *Runner

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	cancelRequested bool
	cancelSeen      bool // the body saw the cancel request through Stopping
	res             result
	started         time.Time
	stopped         time.Time
	logs            []string

	finished notify.Topic[*Task]
}

func newTask(r *Runner, kind Kind, opts []Option) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:     uuid.New(),
		kind:   kind,
		runner: r,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Task) ID() uuid.UUID { return t.id }
func (t *Task) Kind() Kind    { return t.kind }
func (t *Task) Title() string { return t.title }

func (t *Task) String() string {
	return fmt.Sprintf("%s task %q (%s)", t.kind, t.title, t.id)
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transient reports whether the result is dropped after notification.
func (t *Task) Transient() bool { return t.transient }

// Start queues the task on its runner. Only the first call on a Created task
// does anything; it reports whether this call started the task.
func (t *Task) Start() bool {
	start, ok := t.Claim()
	if ok {
		start()
	}
	return ok
}

// Claim moves a Created task to Running without queueing it, so the caller
// can record the task before it may run. Claiming is exclusive with Start
// and other claims. The task is queued by the first call of start.
func (t *Task) Claim() (start func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Created {
		return nil, false
	}
	t.state = Running
	return sync.OnceFunc(func() { t.runner.enqueue(t) }), true
}

// RequestCancel asks the task to stop. Command tasks are interrupted through
// the engine; function tasks see their context cancelled. It never blocks
// and does nothing once the task has finished.
func (t *Task) RequestCancel() {
	t.mu.Lock()
	if t.state == Finished || t.state == Cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelRequested = true
	t.mu.Unlock()
	t.cancel()
}

// CancelRequested reports whether RequestCancel was called before the task
// finished.
func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// Done is closed once the task is Finished or Cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Join waits for the task to end or for ctx to be done.
//
// A task can't be joined from code running on its runner, nor while holding
// the engine: the runner would never get to finish it.
func (t *Task) Join(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	default:
	}

	if cur := FromContext(ctx); cur == t {
		return joinMisuse("task %s joined from its own body", t)
	}
	if r, ok := ctx.Value(runnerKey{}).(*Runner); ok && r == t.runner {
		return joinMisuse("task %s joined from the runner", t)
	}
	if t.runner.h.Held(ctx) {
		return joinMisuse("task %s joined while holding the engine", t)
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func joinMisuse(msg string, args ...any) error {
	if err := assert.Check(false, msg, args...); err != nil {
		return fmt.Errorf("%w: %w", ErrSelfJoin, err)
	}
	return ErrSelfJoin
}

// OnFinished calls fn exactly once when the task ends, on the goroutine
// ending it. Subscribing to an ended task calls fn immediately.
func (t *Task) OnFinished(fn func(*Task)) func() {
	t.mu.Lock()
	if t.state == Finished || t.state == Cancelled {
		t.mu.Unlock()
		fn(t)
		return func() {}
	}
	unsubscribe := t.finished.Subscribe(fn)
	t.mu.Unlock()
	return unsubscribe
}

// Elapsed is the run time so far, or the total run time of an ended task.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.started.IsZero():
		return 0
	case t.stopped.IsZero():
		return time.Since(t.started)
	default:
		return t.stopped.Sub(t.started)
	}
}

// Logs returns the messages the task body logged with Logf.
func (t *Task) Logs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.logs...)
}

func (t *Task) logf(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	t.mu.Lock()
	t.logs = append(t.logs, msg)
	t.mu.Unlock()
	return msg
}

// finish records the outcome and notifies everyone waiting.
func (t *Task) finish(res result, state State) {
	t.mu.Lock()
	if t.state == Finished || t.state == Cancelled {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.res = res
	t.stopped = time.Now().UTC()
	if t.started.IsZero() {
		t.started = t.stopped
	}
	t.mu.Unlock()

	close(t.done)
	t.finished.Publish(t)

	if t.transient {
		t.mu.Lock()
		t.res = result{err: t.res.err}
		t.mu.Unlock()
	}
	t.cancel()
}
