package task

import (
	"context"
	"log/slog"
)

type taskKey struct{}
type runnerKey struct{}

// FromContext returns the task whose body is running with ctx, if any.
func FromContext(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// Stopping reports whether the work running with ctx should stop. A task
// body that sees true from Stopping ends Cancelled, whatever it returns.
func Stopping(ctx context.Context) bool {
	t := FromContext(ctx)
	if ctx.Err() == nil && (t == nil || !t.CancelRequested()) {
		return false
	}
	if t != nil {
		t.mu.Lock()
		t.cancelSeen = true
		t.mu.Unlock()
	}
	return true
}

// Logf appends a message to the log of the task running with ctx and logs it
// at debug level.
func Logf(ctx context.Context, format string, args ...any) {
	t := FromContext(ctx)
	if t == nil {
		return
	}
	msg := t.logf(format, args...)
	slog.DebugContext(ctx, "task log", "task_id", t.id, "msg", msg)
}
