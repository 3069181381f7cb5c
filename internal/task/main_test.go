package task_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/sim"
	"github.com/CZERTAINLY/Arbiter/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	e     *sim.Engine
	h     *engine.Handle
	r     *task.Runner
	start func()
}

// newFixture creates a runner over a sim engine. The loop is started by
// start, or right away when autostart is set.
func newFixture(t *testing.T, autostart bool) *fixture {
	t.Helper()
	e := sim.New(make([]byte, 0x1000))
	h := engine.NewHandle(e)
	r, err := task.NewRunner(h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	started := false
	f := &fixture{e: e, h: h, r: r}
	f.start = func() {
		started = true
		go func() { done <- r.Do(ctx) }()
	}
	t.Cleanup(func() {
		cancel()
		if started {
			require.NoError(t, <-done)
		}
		h.Close()
		require.Zero(t, e.Violations())
	})
	if autostart {
		f.start()
	}
	return f
}

func join(t *testing.T, tasks ...*task.Task) {
	t.Helper()
	for _, tsk := range tasks {
		require.NoError(t, tsk.Join(t.Context()))
	}
}
