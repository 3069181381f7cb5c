package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Arbiter/internal/assert"
	"github.com/CZERTAINLY/Arbiter/internal/notify"
)

// owner identifies one outermost acquisition. Contexts derived from the
// context returned by Acquire carry it, which is what makes nested
// acquisitions reentrant.
type owner struct{}

type ownerKey struct {
	h *Handle
}

// Handle wraps the engine instance. The application root creates exactly one
// and passes it to every component needing the engine.
type Handle struct {
	eng  Engine
	excl sync.Mutex // held from the outermost Acquire to the outermost Release

	mu      sync.Mutex // protects everything below
	depth   int
	owner   *owner
	bed     SleepToken
	entry   uint64 // offset observed by the outermost Acquire
	history History
	quiet   bool
	closed  bool

	positions    notify.Topic[PositionChange]
	waiting      atomic.Int32
	acquisitions atomic.Uint64
}

// NewHandle takes ownership of eng and puts it to sleep.
func NewHandle(eng Engine) *Handle {
	if eng == nil {
		panic("engine is nil")
	}
	return &Handle{
		eng: eng,
		bed: eng.Sleep(),
	}
}

// Acquire blocks until the calling operation has exclusive access to the
// engine and returns a context marking that ownership together with the
// guard. The guard must be released exactly once, in reverse order of
// acquisition, usually with defer.
//
// When ctx already carries the live ownership of h, Acquire never blocks: it
// increments the access depth and returns ctx unchanged. The returned
// context must not be shared with other goroutines while the guard is held;
// they would enter the engine without waiting.
//
// There is no timeout. Callers needing bounded waiting must layer it on top.
func (h *Handle) Acquire(ctx context.Context) (context.Context, *Guard) {
	if o, ok := ctx.Value(ownerKey{h}).(*owner); ok {
		h.mu.Lock()
		if h.owner == o {
			h.depth++
			g := &Guard{h: h, owner: o, level: h.depth}
			h.mu.Unlock()
			return ctx, g
		}
		// a context outliving its guard: acquire from scratch
		h.mu.Unlock()
	}

	h.waiting.Add(1)
	h.excl.Lock()
	h.waiting.Add(-1)
	h.acquisitions.Add(1)

	h.mu.Lock()
	if h.closed || h.depth != 0 {
		closed, depth := h.closed, h.depth
		h.mu.Unlock()
		h.excl.Unlock()
		_ = assert.Check(false, "outermost acquire on handle (closed %t, depth %d)", closed, depth)
		panic("engine handle is unusable")
	}
	h.eng.Wake(h.bed)
	h.bed = nil
	h.depth = 1
	o := &owner{}
	h.owner = o
	h.entry = h.eng.Offset()
	h.history = HistorySeek
	h.quiet = false
	h.mu.Unlock()

	return context.WithValue(ctx, ownerKey{h}, o), &Guard{h: h, owner: o, level: 1}
}

// Do runs fn while holding the engine. The guard is released on every exit
// path, panics included.
func (h *Handle) Do(ctx context.Context, fn func(ctx context.Context, e Engine) error) error {
	ctx, g := h.Acquire(ctx)
	defer g.Release()
	return fn(ctx, g.Engine())
}

// Held reports whether ctx carries the live ownership of h.
func (h *Handle) Held(ctx context.Context) bool {
	o, ok := ctx.Value(ownerKey{h}).(*owner)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner == o
}

// Depth returns the current access depth. The engine is active iff it is
// positive.
func (h *Handle) Depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.depth
}

// Active reports whether someone holds the engine.
func (h *Handle) Active() bool {
	return h.Depth() > 0
}

// Stats is a snapshot of the handle counters.
type Stats struct {
	Depth        int
	Waiting      int
	Acquisitions uint64
}

func (h *Handle) Stats() Stats {
	return Stats{
		Depth:        h.Depth(),
		Waiting:      int(h.waiting.Load()),
		Acquisitions: h.acquisitions.Load(),
	}
}

// OnPositionChanged subscribes fn to cursor moves. fn runs on the goroutine
// releasing the outermost guard, after the engine has been released.
func (h *Handle) OnPositionChanged(fn func(PositionChange)) func() {
	return h.positions.Subscribe(fn)
}

// Close wakes the engine for teardown. The handle must not be held.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := assert.Check(h.depth == 0, "closing handle held at depth %d", h.depth); err != nil {
		return
	}
	if h.closed {
		return
	}
	h.closed = true
	h.eng.Wake(h.bed)
	h.bed = nil
}

// Guard is the scoped exclusive access to the engine returned by Acquire.
type Guard struct {
	h        *Handle
	owner    *owner
	level    int
	released bool
}

// Engine returns the engine. It must only be used until Release.
func (g *Guard) Engine() Engine {
	return g.h.eng
}

// SetHistory tags the position change reported by the outermost release of
// the current operation.
func (g *Guard) SetHistory(history History) {
	g.h.mu.Lock()
	if g.h.owner == g.owner {
		g.h.history = history
	}
	g.h.mu.Unlock()
}

// Quiet suppresses the position change report of the current operation.
// It only applies to the outermost guard: a quiet step nested in an
// operation leaves the report of the enclosing operation intact.
func (g *Guard) Quiet() {
	g.h.mu.Lock()
	if g.h.owner == g.owner && g.level == 1 {
		g.h.quiet = true
	}
	g.h.mu.Unlock()
}

// Release gives the access back. The outermost release puts the engine to
// sleep, unlocks it for other goroutines and, when the cursor moved since
// the outermost Acquire, publishes exactly one PositionChange.
func (g *Guard) Release() {
	h := g.h
	h.mu.Lock()
	var misuse string
	switch {
	case g.released:
		misuse = "guard released twice"
	case h.owner != g.owner || h.depth != g.level:
		misuse = fmt.Sprintf("guard released out of order (depth %d, guard level %d)", h.depth, g.level)
	}
	if misuse != "" {
		h.mu.Unlock()
		_ = assert.Check(false, "%s", misuse)
		return
	}

	g.released = true
	h.depth--
	if h.depth > 0 {
		h.mu.Unlock()
		return
	}

	var change *PositionChange
	if offset := h.eng.Offset(); offset != h.entry && !h.quiet {
		change = &PositionChange{Offset: offset, History: h.history}
	}
	h.owner = nil
	h.bed = h.eng.Sleep()
	h.mu.Unlock()
	h.excl.Unlock()

	if change != nil {
		h.positions.Publish(*change)
	}
}
