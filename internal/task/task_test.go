package task_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/sim"
	"github.com/CZERTAINLY/Arbiter/internal/task"
)

func TestCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	tsk := f.r.Command("?e hello")
	require.Equal(t, task.Created, tsk.State())
	require.Equal(t, task.KindCommand, tsk.Kind())
	require.Equal(t, "?e hello", tsk.Title())
	require.True(t, tsk.Start())
	join(t, tsk)

	require.Equal(t, task.Finished, tsk.State())
	require.Equal(t, "hello\n", tsk.Output())
	require.NoError(t, tsk.Err())
	require.False(t, tsk.CancelRequested())
	require.False(t, tsk.JSON().Valid())
}

func TestCommandJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	tsk := f.r.Command("ij")
	tsk.Start()
	join(t, tsk)

	doc := tsk.JSON()
	require.True(t, doc.Valid())
	size, err := doc.Get("core", "size").Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), size)
	require.Equal(t, "sim", doc.Get("bin", "arch").String())
	require.False(t, doc.Get("core", "nope").Valid())
}

func TestEngineFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	tsk := f.r.Command("fail badly")
	tsk.Start()
	join(t, tsk)

	require.Equal(t, task.Finished, tsk.State())
	require.ErrorIs(t, tsk.Err(), sim.ErrCommandFailed)
	require.Empty(t, tsk.Output())
}

func TestFunction(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	tsk := f.r.Function(func(ctx context.Context, e engine.Engine) (any, error) {
		require.True(t, f.h.Held(ctx))
		task.Logf(ctx, "seeking to %#x", 0x10)
		return 42, e.Seek(0x10, true)
	}, task.WithTitle("answer"))
	require.Equal(t, "answer", tsk.Title())
	tsk.Start()
	join(t, tsk)

	v, ok := task.Value[int](tsk)
	require.True(t, ok)
	require.Equal(t, 42, v)
	_, ok = task.Value[string](tsk)
	require.False(t, ok)
	require.Equal(t, []string{"seeking to 0x10"}, tsk.Logs())
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	var runs atomic.Int32
	tsk := f.r.Function(func(context.Context, engine.Engine) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	require.True(t, tsk.Start())
	require.False(t, tsk.Start())
	join(t, tsk)
	require.False(t, tsk.Start())
	require.Equal(t, int32(1), runs.Load())
}

func TestClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	var runs atomic.Int32
	tsk := f.r.Function(func(context.Context, engine.Engine) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	start, ok := tsk.Claim()
	require.True(t, ok)
	require.Equal(t, task.Running, tsk.State())

	_, ok = tsk.Claim()
	require.False(t, ok)
	require.False(t, tsk.Start())
	require.Zero(t, f.r.Stats().Pending, "claimed but not queued")
	require.Zero(t, runs.Load())

	start()
	start()
	join(t, tsk)
	require.Equal(t, int32(1), runs.Load())
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	tsk := f.r.Command("sleep 60000")
	tsk.Start()
	require.Eventually(t, func() bool { return f.r.Stats().Running }, time.Second, time.Millisecond)

	tsk.RequestCancel()
	tsk.RequestCancel()
	join(t, tsk)
	require.Equal(t, task.Cancelled, tsk.State())
	require.ErrorIs(t, tsk.Err(), context.Canceled)
	require.True(t, tsk.CancelRequested())
}

func TestCancelPolling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	running := make(chan struct{})
	tsk := f.r.Function(func(ctx context.Context, _ engine.Engine) (any, error) {
		close(running)
		for !task.Stopping(ctx) {
			time.Sleep(time.Millisecond)
		}
		return "partial", nil
	})
	tsk.Start()
	<-running
	tsk.RequestCancel()
	join(t, tsk)
	require.Equal(t, task.Cancelled, tsk.State())
	require.Equal(t, "partial", tsk.Output())
}

func TestCancelIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	running := make(chan struct{})
	release := make(chan struct{})
	tsk := f.r.Function(func(context.Context, engine.Engine) (any, error) {
		close(running)
		<-release
		return "full result", nil
	})
	tsk.Start()
	<-running
	tsk.RequestCancel()
	close(release)
	join(t, tsk)

	require.Equal(t, task.Finished, tsk.State())
	require.True(t, tsk.CancelRequested())
	require.Equal(t, "full result", tsk.Output())
	require.NoError(t, tsk.Err())
}

func TestCancelBeforeRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	tsk := f.r.Command("s 0x10")
	tsk.Start()
	tsk.RequestCancel()
	f.start()
	join(t, tsk)

	require.Equal(t, task.Cancelled, tsk.State())
	require.Zero(t, f.e.Wakes(), "engine untouched")
}

func TestCancelFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	tsk := f.r.Command("s")
	tsk.Start()
	join(t, tsk)
	tsk.RequestCancel()
	require.Equal(t, task.Finished, tsk.State())
	require.False(t, tsk.CancelRequested())
}

func TestOnFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	block := make(chan struct{})
	tsk := f.r.Function(func(context.Context, engine.Engine) (any, error) {
		<-block
		return nil, nil
	})

	var mu sync.Mutex
	calls := map[string]int{}
	observe := func(name string) func(*task.Task) {
		return func(got *task.Task) {
			require.Same(t, tsk, got)
			require.NotEqual(t, task.Running, got.State())
			mu.Lock()
			calls[name]++
			mu.Unlock()
		}
	}
	tsk.OnFinished(observe("a"))
	tsk.OnFinished(observe("b"))
	unsubscribe := tsk.OnFinished(observe("gone"))
	unsubscribe()

	tsk.Start()
	close(block)
	join(t, tsk)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["a"] == 1 && calls["b"] == 1
	}, time.Second, time.Millisecond)

	tsk.OnFinished(observe("late"))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]int{"a": 1, "b": 1, "late": 1}, calls)
}

func TestTransient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	seen := make(chan string, 1)
	tsk := f.r.Command("?e temporary", task.Transient())
	require.True(t, tsk.Transient())
	tsk.OnFinished(func(t *task.Task) { seen <- t.Output() })
	tsk.Start()
	join(t, tsk)

	require.Equal(t, "temporary\n", <-seen)
	require.Eventually(t, func() bool { return tsk.Output() == "" }, time.Second, time.Millisecond)
	require.Equal(t, task.Finished, tsk.State())
}

func TestPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	bad := f.r.Function(func(context.Context, engine.Engine) (any, error) {
		panic("boom")
	})
	good := f.r.Command("s")
	bad.Start()
	good.Start()
	join(t, bad, good)

	require.Equal(t, task.Finished, bad.State())
	require.ErrorIs(t, bad.Err(), task.ErrPanic)
	require.Equal(t, "0x0\n", good.Output())
	require.Zero(t, f.h.Depth())
}

func TestSelfJoin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	self := f.r.Function(func(ctx context.Context, _ engine.Engine) (any, error) {
		return nil, task.FromContext(ctx).Join(ctx)
	})
	other := f.r.Command("s")
	sibling := f.r.Function(func(ctx context.Context, _ engine.Engine) (any, error) {
		return nil, other.Join(ctx)
	})
	self.Start()
	sibling.Start()
	other.Start()
	join(t, self, sibling, other)

	require.ErrorIs(t, self.Err(), task.ErrPanic)
	require.ErrorContains(t, self.Err(), "joined from its own body")
	require.ErrorIs(t, sibling.Err(), task.ErrPanic)
	require.ErrorContains(t, sibling.Err(), "joined from the runner")

	pending := f.r.Command("s")
	err := f.h.Do(t.Context(), func(ctx context.Context, _ engine.Engine) error {
		require.Panics(t, func() { _ = pending.Join(ctx) })
		return nil
	})
	require.NoError(t, err)
}

func TestJoinContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	tsk := f.r.Command("s")
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tsk.Join(ctx), context.DeadlineExceeded)
}

func TestString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "created", task.Created.String())
	require.Equal(t, "running", task.Running.String())
	require.Equal(t, "finished", task.Finished.String())
	require.Equal(t, "cancelled", task.Cancelled.String())
	require.Equal(t, "unknown", task.State(9).String())
	require.Equal(t, "command", task.KindCommand.String())
	require.Equal(t, "function", task.KindFunction.String())
	require.Equal(t, "unknown", task.Kind(9).String())
}

func TestFromContext(t *testing.T) {
	t.Parallel()
	require.Nil(t, task.FromContext(t.Context()))
	require.False(t, task.Stopping(t.Context()))
	task.Logf(t.Context(), "dropped")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.True(t, task.Stopping(ctx))
	require.True(t, errors.Is(ctx.Err(), context.Canceled))
}
