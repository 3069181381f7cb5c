package service

import (
	"context"
	"fmt"

	"github.com/CZERTAINLY/Arbiter/internal/task"
)

// Debugger drives the debug session. Every control occupies CategoryDebug,
// so a control requested while another one is still running is skipped.
type Debugger struct {
	s *Session
}

func NewDebugger(s *Session) *Debugger {
	return &Debugger{s: s}
}

func (d *Debugger) submit(cmd, title string) (*task.Task, bool) {
	t := d.s.CmdTask(cmd, task.WithTitle(title))
	if !d.s.AsyncTask(CategoryDebug, t) {
		return nil, false
	}
	return t, true
}

func (d *Debugger) Start() (*task.Task, bool)    { return d.submit("ood", "start debugging") }
func (d *Debugger) Continue() (*task.Task, bool) { return d.submit("dc", "continue") }
func (d *Debugger) Step() (*task.Task, bool)     { return d.submit("ds", "step") }
func (d *Debugger) StepOver() (*task.Task, bool) { return d.submit("dso", "step over") }

// Busy reports whether a debug control is running.
func (d *Debugger) Busy() bool {
	return d.s.IsTaskInProgress(CategoryDebug)
}

// Stop interrupts the running control, if any, and kills the debuggee.
func (d *Debugger) Stop(ctx context.Context) error {
	if t := d.s.Registry().Active(CategoryDebug); t != nil {
		t.RequestCancel()
		if err := t.Join(ctx); err != nil {
			return fmt.Errorf("waiting for %s: %w", t.Title(), err)
		}
	}
	_, err := d.s.Cmd(ctx, "dk")
	return err
}
