package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/service"
	"github.com/CZERTAINLY/Arbiter/internal/sim"
	"github.com/CZERTAINLY/Arbiter/internal/task"
)

// app is the application root: it owns the only engine handle of the
// process.
type app struct {
	engine  *sim.Engine
	handle  *engine.Handle
	runner  *task.Runner
	session *service.Session

	stop func() error
}

func newApp(ctx context.Context, path string) (*app, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading image: %w", err)
	}

	e := sim.New(data,
		sim.WithName(path),
		sim.WithConsole(cfg.Writer()),
		sim.WithStepDelay(cfg.Engine.StepDelay),
	)
	h := engine.NewHandle(e)
	runner, err := task.NewRunner(h)
	if err != nil {
		return nil, err
	}
	registry, err := service.NewRegistry()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Do(ctx) }()

	a := &app{
		engine:  e,
		handle:  h,
		runner:  runner,
		session: service.NewSession(runner, registry),
	}
	a.stop = func() error {
		cancel()
		err := <-done
		h.Close()
		if n := e.Violations(); n > 0 {
			err = errors.Join(err, fmt.Errorf("engine entered concurrently %d times", n))
		}
		return err
	}
	a.session.OnPositionChanged(func(c engine.PositionChange) {
		slog.DebugContext(ctx, "position changed", "offset", fmt.Sprintf("0x%x", c.Offset), "history", c.History.String())
	})
	return a, nil
}

func (a *app) Close() error {
	return a.stop()
}
