// Package engine arbitrates access to the single analysis engine shared by
// the whole process.
//
// The engine itself is single threaded and mutable. Every read or write of
// its state happens while holding a Guard obtained from the Handle wrapping
// it:
//
//	ctx, g := h.Acquire(ctx)
//	defer g.Release()
//	out, err := g.Engine().Cmd(ctx, "pd 10")
//
// Guards are reentrant through the returned context. A function called with
// ctx may acquire the same handle again without blocking; only the outermost
// acquisition takes the exclusive lock and wakes the engine, only the
// outermost release puts it back to sleep and reports a moved cursor.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrUnsupported is returned when the engine lacks an optional primitive.
	ErrUnsupported = errors.New("operation not supported by engine")
	// ErrInvalidOffset is returned by Seek for an address outside the image.
	ErrInvalidOffset = errors.New("invalid offset")
)

// SleepToken is the opaque bookkeeping of an engine at rest. The engine
// returns one from Sleep and gets it back on Wake.
type SleepToken any

// Engine is the shared analysis engine. Implementations need not be safe for
// concurrent use; the Handle serializes every call.
type Engine interface {
	// Cmd executes a textual command and returns its output. Long running
	// commands return ctx.Err() once ctx is cancelled.
	Cmd(ctx context.Context, cmd string) (string, error)
	// Offset is the current cursor.
	Offset() uint64
	// Seek moves the cursor; save records the previous offset in the undo
	// history.
	Seek(offset uint64, save bool) error
	// SeekUndo and SeekRedo navigate the seek history. They report false
	// when there is nothing to navigate to.
	SeekUndo() bool
	SeekRedo() bool
	// Sleep marks the engine idle, letting it flush buffered console
	// output. Wake ends the idle period started by Sleep.
	Sleep() SleepToken
	Wake(SleepToken)
}

// Basefinder is implemented by engines able to guess the base address of a
// raw image. progress is called after each step; returning false stops the
// search early and Basefind returns the scores found so far.
type Basefinder interface {
	Basefind(ctx context.Context, opts BasefindOptions, progress func(BasefindStatus) bool) ([]BasefindScore, error)
}

// Differ is implemented by engines able to compare the loaded image with
// another file function by function.
type Differ interface {
	Diff(ctx context.Context, opts DiffOptions, progress func(DiffStatus) bool) (DiffResult, error)
}
