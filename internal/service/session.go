package service

import (
	"context"
	"fmt"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/task"
)

// Session is what the user facing layer talks to.
type Session struct {
	h        *engine.Handle
	runner   *task.Runner
	registry *Registry
}

func NewSession(runner *task.Runner, registry *Registry) *Session {
	return &Session{
		h:        runner.Handle(),
		runner:   runner,
		registry: registry,
	}
}

func (s *Session) Handle() *engine.Handle { return s.h }
func (s *Session) Registry() *Registry    { return s.registry }

// Cmd runs cmd synchronously on the calling goroutine.
func (s *Session) Cmd(ctx context.Context, cmd string) (string, error) {
	var out string
	err := s.h.Do(ctx, func(ctx context.Context, e engine.Engine) error {
		var err error
		out, err = e.Cmd(ctx, cmd)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("%s: %w", cmd, err)
	}
	return out, nil
}

// CmdJSON runs cmd and parses its output. A failing command gives an
// invalid document.
func (s *Session) CmdJSON(ctx context.Context, cmd string) task.Document {
	out, err := s.Cmd(ctx, cmd)
	if err != nil {
		return task.Document{}
	}
	return task.ParseDocument(out)
}

// CmdTask creates, but does not start, a task running cmd.
func (s *Session) CmdTask(cmd string, opts ...task.Option) *task.Task {
	return s.runner.Command(cmd, opts...)
}

// FunctionTask creates, but does not start, a task running fn.
func (s *Session) FunctionTask(fn task.Func, opts ...task.Option) *task.Task {
	return s.runner.Function(fn, opts...)
}

// AsyncTask submits t into category. An empty category only tracks t.
func (s *Session) AsyncTask(category Category, t *task.Task) bool {
	if category == "" {
		return s.registry.Track(t)
	}
	return s.registry.Submit(category, t)
}

// IsTaskInProgress reports whether category is occupied.
func (s *Session) IsTaskInProgress(category Category) bool {
	return s.registry.Active(category) != nil
}

func (s *Session) Offset(ctx context.Context) uint64 {
	var off uint64
	_ = s.h.Do(ctx, func(_ context.Context, e engine.Engine) error {
		off = e.Offset()
		return nil
	})
	return off
}

// Seek moves the cursor and records the move in the seek history.
func (s *Session) Seek(ctx context.Context, offset uint64) error {
	return s.h.Do(ctx, func(_ context.Context, e engine.Engine) error {
		return e.Seek(offset, true)
	})
}

// SeekSilent moves the cursor without history entry nor position change
// report. It suits temporary seeks of helpers restoring the cursor.
func (s *Session) SeekSilent(ctx context.Context, offset uint64) error {
	_, g := s.h.Acquire(ctx)
	defer g.Release()
	g.Quiet()
	return g.Engine().Seek(offset, false)
}

// SeekPrev navigates back in the seek history.
func (s *Session) SeekPrev(ctx context.Context) bool {
	_, g := s.h.Acquire(ctx)
	defer g.Release()
	g.SetHistory(engine.HistoryUndo)
	return g.Engine().SeekUndo()
}

// SeekNext navigates forward in the seek history.
func (s *Session) SeekNext(ctx context.Context) bool {
	_, g := s.h.Acquire(ctx)
	defer g.Release()
	g.SetHistory(engine.HistoryRedo)
	return g.Engine().SeekRedo()
}

func (s *Session) OnPositionChanged(fn func(engine.PositionChange)) func() {
	return s.h.OnPositionChanged(fn)
}
