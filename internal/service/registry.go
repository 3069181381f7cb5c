package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/CZERTAINLY/Arbiter/internal/notify"
	"github.com/CZERTAINLY/Arbiter/internal/task"
)

// Category is a mutual exclusion class of tasks.
type Category string

const (
	CategoryDebug    Category = "debug"
	CategoryAnalysis Category = "analysis"
)

// Change reports a category slot being occupied or cleared.
type Change struct {
	Category Category
	Task     *task.Task
	Active   bool
}

type RegistryOption func(*registryConfig)

type registryConfig struct {
	mp metric.MeterProvider
}

func WithMeterProvider(mp metric.MeterProvider) RegistryOption {
	return func(c *registryConfig) { c.mp = mp }
}

// Registry tracks in-flight tasks and enforces one unfinished task per
// category.
type Registry struct {
	metrics *metrics

	mx       sync.Mutex
	active   map[Category]*task.Task
	inflight map[*task.Task]struct{}

	changes notify.Topic[Change]
}

func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	cfg := registryConfig{mp: metricnoop.NewMeterProvider()}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := newMetrics(cfg.mp)
	if err != nil {
		return nil, fmt.Errorf("initializing registry metrics: %w", err)
	}
	return &Registry{
		metrics:  m,
		active:   make(map[Category]*task.Task),
		inflight: make(map[*task.Task]struct{}),
	}, nil
}

// Submit starts t in category unless the category is occupied by an
// unfinished task or t was already started. It reports whether t was
// started; a rejected submission leaves the registry untouched.
func (r *Registry) Submit(category Category, t *task.Task) bool {
	ctx := context.Background()
	r.mx.Lock()
	if cur, ok := r.active[category]; ok && !ended(cur) {
		r.mx.Unlock()
		slog.Warn("category occupied: ignoring task", "category", category, "task", t.String(), "active", cur.String())
		r.metrics.submitted(ctx, category, false)
		return false
	}
	start, ok := t.Claim()
	if !ok {
		r.mx.Unlock()
		slog.Warn("task already started: ignoring", "category", category, "task", t.String())
		r.metrics.submitted(ctx, category, false)
		return false
	}
	r.active[category] = t
	r.inflight[t] = struct{}{}
	r.mx.Unlock()

	r.metrics.submitted(ctx, category, true)
	r.metrics.inflight(ctx, 1)
	r.changes.Publish(Change{Category: category, Task: t, Active: true})

	t.OnFinished(func(t *task.Task) { r.release(category, t) })
	start()
	return true
}

// Track keeps t in flight until it ends and starts it. It reports whether
// this call started t.
func (r *Registry) Track(t *task.Task) bool {
	start, ok := t.Claim()
	if !ok {
		return false
	}
	r.mx.Lock()
	r.inflight[t] = struct{}{}
	r.mx.Unlock()
	r.metrics.inflight(context.Background(), 1)

	t.OnFinished(func(t *task.Task) { r.release("", t) })
	start()
	return true
}

func (r *Registry) release(category Category, t *task.Task) {
	r.mx.Lock()
	_, tracked := r.inflight[t]
	delete(r.inflight, t)
	cleared := category != "" && r.active[category] == t
	if cleared {
		delete(r.active, category)
	}
	r.mx.Unlock()

	if tracked {
		r.metrics.inflight(context.Background(), -1)
	}
	if cleared {
		r.changes.Publish(Change{Category: category, Task: t, Active: false})
	}
}

func ended(t *task.Task) bool {
	s := t.State()
	return s == task.Finished || s == task.Cancelled
}

// Active returns the unfinished task occupying category, or nil.
func (r *Registry) Active(category Category) *task.Task {
	r.mx.Lock()
	defer r.mx.Unlock()
	t, ok := r.active[category]
	if !ok || ended(t) {
		return nil
	}
	return t
}

// Busy reports whether any task is in flight.
func (r *Registry) Busy() bool {
	return r.InFlight() > 0
}

func (r *Registry) InFlight() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.inflight)
}

// OnChanged subscribes fn to category occupancy changes. fn is called on the
// submitting goroutine when a slot is taken and on the runner goroutine when
// it is cleared.
func (r *Registry) OnChanged(fn func(Change)) func() {
	return r.changes.Subscribe(fn)
}
