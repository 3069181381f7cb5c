package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/sim"
	"github.com/stretchr/testify/require"
)

func newHandle(t *testing.T) (*engine.Handle, *sim.Engine) {
	t.Helper()
	e := sim.New(make([]byte, 0x1000))
	h := engine.NewHandle(e)
	require.True(t, e.Asleep())
	t.Cleanup(func() {
		h.Close()
		require.Zero(t, e.Violations())
	})
	return h, e
}

func TestNesting(t *testing.T) {
	t.Parallel()
	h, e := newHandle(t)
	ctx := t.Context()

	require.Zero(t, h.Depth())
	require.False(t, h.Held(ctx))

	ctx1, g1 := h.Acquire(ctx)
	require.Equal(t, 1, h.Depth())
	require.True(t, h.Held(ctx1))
	require.False(t, h.Held(ctx))
	require.False(t, e.Asleep())

	ctx2, g2 := h.Acquire(ctx1)
	require.Equal(t, 2, h.Depth())
	_, g3 := h.Acquire(ctx2)
	require.Equal(t, 3, h.Depth())

	g3.Release()
	g2.Release()
	require.Equal(t, 1, h.Depth())
	require.False(t, e.Asleep())
	require.Equal(t, 1, e.Wakes())

	g1.Release()
	require.Zero(t, h.Depth())
	require.True(t, e.Asleep())
	require.Equal(t, 1, e.Wakes())
	require.Equal(t, 2, e.Sleeps()) // one from NewHandle
	require.False(t, h.Held(ctx1), "context outlived its guard")
}

func TestStaleContextAcquiresAgain(t *testing.T) {
	t.Parallel()
	h, e := newHandle(t)

	ctx, g := h.Acquire(t.Context())
	g.Release()

	_, g = h.Acquire(ctx)
	require.Equal(t, 1, h.Depth())
	require.Equal(t, 2, e.Wakes())
	g.Release()
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()
	h, e := newHandle(t)

	const workers = 8
	const rounds = 200
	var wg sync.WaitGroup
	for i := range workers {
		wg.Go(func() {
			for j := range rounds {
				err := h.Do(t.Context(), func(ctx context.Context, eng engine.Engine) error {
					// nested acquisition on the same context never blocks
					return h.Do(ctx, func(context.Context, engine.Engine) error {
						return eng.Seek(uint64(i*rounds+j)%0x1000, false)
					})
				})
				require.NoError(t, err)
			}
		})
	}
	wg.Wait()

	require.Zero(t, h.Depth())
	require.Zero(t, e.Violations())
	require.Equal(t, workers*rounds, e.Wakes())
	require.Equal(t, uint64(workers*rounds), h.Stats().Acquisitions)
}

func TestSecondGoroutineBlocks(t *testing.T) {
	t.Parallel()
	h, _ := newHandle(t)

	ctx, g := h.Acquire(t.Context())
	_, nested := h.Acquire(ctx)

	acquired := make(chan struct{})
	go func() {
		_, g := h.Acquire(t.Context())
		close(acquired)
		g.Release()
	}()

	require.Eventually(t, func() bool { return h.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	nested.Release()
	select {
	case <-acquired:
		t.Fatal("acquired while the engine was held")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	<-acquired
}

func TestDoReleasesOnPanic(t *testing.T) {
	t.Parallel()
	h, e := newHandle(t)

	require.Panics(t, func() {
		_ = h.Do(t.Context(), func(context.Context, engine.Engine) error {
			panic("boom")
		})
	})
	require.Zero(t, h.Depth())
	require.True(t, e.Asleep())

	errBoom := errors.New("boom")
	err := h.Do(t.Context(), func(context.Context, engine.Engine) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	require.Zero(t, h.Depth())
}

func TestReleaseMisuse(t *testing.T) {
	t.Parallel()
	h, _ := newHandle(t)

	ctx, g1 := h.Acquire(t.Context())
	_, g2 := h.Acquire(ctx)
	require.Panics(t, g1.Release, "out of order")
	require.Equal(t, 2, h.Depth())

	g2.Release()
	require.Panics(t, g2.Release, "twice")
	require.Equal(t, 1, h.Depth())
	g1.Release()
	require.Zero(t, h.Depth())
}

func TestCloseWhileHeld(t *testing.T) {
	t.Parallel()
	e := sim.New(make([]byte, 16))
	h := engine.NewHandle(e)

	_, g := h.Acquire(t.Context())
	require.Panics(t, h.Close)
	g.Release()
	h.Close()
	require.False(t, e.Asleep())
	h.Close()
	require.Panics(t, func() { h.Acquire(t.Context()) })
	require.Zero(t, e.Violations())
}
