// Package sim provides an in-memory engine over a raw byte image. It speaks a
// small subset of the textual command language and detects callers entering
// it concurrently, which the engine package must never allow.
package sim

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrCommandFailed  = errors.New("command failed")
	ErrNotDebugging   = errors.New("no debug session")
)

// breakpoint is the byte stopping dc.
const breakpoint = 0xcc

// token is what Sleep hands out. Wake checks it was the latest one.
type token struct {
	seq uint64
}

type Option func(*Engine)

// WithConsole sets where echoed text goes once the engine sleeps.
func WithConsole(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// WithStepDelay slows down long running commands and scans, one delay per
// step. Tests use it to observe them in flight.
func WithStepDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

// WithName names the loaded image in ij output.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// Engine implements engine.Engine, engine.Basefinder and engine.Differ.
type Engine struct {
	data  []byte
	name  string
	delay time.Duration

	offset    uint64
	undo      []uint64
	redo      []uint64
	debugging bool

	consoleMu sync.Mutex
	console   bytes.Buffer
	out       io.Writer

	inside     atomic.Int32
	violations atomic.Int32
	asleep     atomic.Bool
	seq        atomic.Uint64
	sleeps     atomic.Int64
	wakes      atomic.Int64
}

var (
	_ engine.Engine     = (*Engine)(nil)
	_ engine.Basefinder = (*Engine)(nil)
	_ engine.Differ     = (*Engine)(nil)
)

func New(data []byte, opts ...Option) *Engine {
	e := &Engine{
		data: data,
		name: "malloc://" + strconv.Itoa(len(data)),
		out:  io.Discard,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// enter flags concurrent use and use of a sleeping engine.
func (e *Engine) enter() func() {
	if e.inside.Add(1) > 1 || e.asleep.Load() {
		e.violations.Add(1)
	}
	return func() { e.inside.Add(-1) }
}

// Violations counts calls made while another call was in progress or while
// the engine was asleep.
func (e *Engine) Violations() int { return int(e.violations.Load()) }

// Sleeps and Wakes count the idle transitions.
func (e *Engine) Sleeps() int { return int(e.sleeps.Load()) }
func (e *Engine) Wakes() int  { return int(e.wakes.Load()) }

// Asleep reports whether the engine is idle.
func (e *Engine) Asleep() bool { return e.asleep.Load() }

func (e *Engine) Size() int { return len(e.data) }

func (e *Engine) Sleep() engine.SleepToken {
	if e.asleep.Swap(true) {
		e.violations.Add(1)
	}
	e.sleeps.Add(1)
	e.flush()
	return token{seq: e.seq.Add(1)}
}

func (e *Engine) Wake(t engine.SleepToken) {
	tok, ok := t.(token)
	wasAsleep := e.asleep.Swap(false)
	if !ok || tok.seq != e.seq.Load() || !wasAsleep {
		e.violations.Add(1)
	}
	e.wakes.Add(1)
}

func (e *Engine) flush() {
	e.consoleMu.Lock()
	defer e.consoleMu.Unlock()
	if e.console.Len() == 0 {
		return
	}
	_, _ = e.console.WriteTo(e.out)
	e.console.Reset()
}

func (e *Engine) Offset() uint64 {
	defer e.enter()()
	return e.offset
}

func (e *Engine) Seek(offset uint64, save bool) error {
	defer e.enter()()
	return e.seek(offset, save)
}

func (e *Engine) seek(offset uint64, save bool) error {
	if offset > uint64(len(e.data)) {
		return fmt.Errorf("%w: 0x%x", engine.ErrInvalidOffset, offset)
	}
	if save && offset != e.offset {
		e.undo = append(e.undo, e.offset)
		e.redo = e.redo[:0]
	}
	e.offset = offset
	return nil
}

func (e *Engine) SeekUndo() bool {
	defer e.enter()()
	return e.seekUndo()
}

func (e *Engine) seekUndo() bool {
	if len(e.undo) == 0 {
		return false
	}
	e.redo = append(e.redo, e.offset)
	e.offset = e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	return true
}

func (e *Engine) SeekRedo() bool {
	defer e.enter()()
	return e.seekRedo()
}

func (e *Engine) seekRedo() bool {
	if len(e.redo) == 0 {
		return false
	}
	e.undo = append(e.undo, e.offset)
	e.offset = e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]
	return true
}

// Cmd runs one command:
//
//	s [addr]   print or set the cursor      s- s+   seek undo/redo
//	?e text    echo                         px n    hexdump n bytes
//	pd n       disassemble n bytes          ij      image info (json)
//	ood        start debugging              dk      kill the debuggee
//	ds / dso   step / step over             dc      continue to 0xcc
//	sleep ms   busy for ms milliseconds     fail    always fails
func (e *Engine) Cmd(ctx context.Context, cmd string) (string, error) {
	defer e.enter()()

	name, arg, _ := strings.Cut(strings.TrimSpace(cmd), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "":
		return "", nil
	case "s":
		if arg == "" {
			return fmt.Sprintf("0x%x\n", e.offset), nil
		}
		addr, err := parseNumber(arg)
		if err != nil {
			return "", err
		}
		return "", e.seek(addr, true)
	case "s-":
		e.seekUndo()
		return "", nil
	case "s+":
		e.seekRedo()
		return "", nil
	case "?e":
		e.consoleMu.Lock()
		e.console.WriteString(arg + "\n")
		e.consoleMu.Unlock()
		return arg + "\n", nil
	case "px":
		return e.px(arg)
	case "pd":
		return e.pd(arg)
	case "ij":
		return e.info()
	case "ood":
		e.debugging = true
		e.undo = append(e.undo, e.offset)
		e.offset = 0
		return "= attach 1337 1337\n", nil
	case "dk":
		if !e.debugging {
			return "", ErrNotDebugging
		}
		e.debugging = false
		return "", nil
	case "ds":
		return "", e.step(4)
	case "dso":
		return "", e.step(8)
	case "dc":
		return e.cont(ctx)
	case "sleep":
		ms, err := parseNumber(arg)
		if err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "", nil
		}
	case "fail":
		return "", fmt.Errorf("%w: %s", ErrCommandFailed, arg)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

func (e *Engine) px(arg string) (string, error) {
	n, err := parseCount(arg, 16)
	if err != nil {
		return "", err
	}
	end := min(e.offset+n, uint64(len(e.data)))
	var sb strings.Builder
	for addr := e.offset; addr < end; addr += 16 {
		row := e.data[addr:min(addr+16, end)]
		fmt.Fprintf(&sb, "0x%08x  %s\n", addr, hex.EncodeToString(row))
	}
	return sb.String(), nil
}

func (e *Engine) pd(arg string) (string, error) {
	n, err := parseCount(arg, 8)
	if err != nil {
		return "", err
	}
	end := min(e.offset+n, uint64(len(e.data)))
	var sb strings.Builder
	for addr := e.offset; addr < end; addr++ {
		b := e.data[addr]
		switch b {
		case breakpoint:
			fmt.Fprintf(&sb, "0x%08x  %02x  int3\n", addr, b)
		default:
			fmt.Fprintf(&sb, "0x%08x  %02x  db 0x%02x\n", addr, b, b)
		}
	}
	return sb.String(), nil
}

type info struct {
	Core struct {
		File   string `json:"file"`
		Size   int    `json:"size"`
		Offset uint64 `json:"offset"`
	} `json:"core"`
	Bin struct {
		Arch string `json:"arch"`
		Bits int    `json:"bits"`
	} `json:"bin"`
	Debug bool `json:"debug"`
}

func (e *Engine) info() (string, error) {
	var i info
	i.Core.File = e.name
	i.Core.Size = len(e.data)
	i.Core.Offset = e.offset
	i.Bin.Arch = "sim"
	i.Bin.Bits = 32
	i.Debug = e.debugging
	b, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

func (e *Engine) step(n uint64) error {
	if !e.debugging {
		return ErrNotDebugging
	}
	e.offset = min(e.offset+n, uint64(len(e.data)))
	return nil
}

// cont steps until the byte under the cursor is a breakpoint or the image
// ends.
func (e *Engine) cont(ctx context.Context) (string, error) {
	if !e.debugging {
		return "", ErrNotDebugging
	}
	for e.offset < uint64(len(e.data)) {
		if err := e.pause(ctx); err != nil {
			return "", err
		}
		e.offset++
		if e.offset < uint64(len(e.data)) && e.data[e.offset] == breakpoint {
			return fmt.Sprintf("hit breakpoint at 0x%x\n", e.offset), nil
		}
	}
	e.debugging = false
	return "process exited\n", nil
}

func (e *Engine) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.delay <= 0 {
		return nil
	}
	t := time.NewTimer(e.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseNumber(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return n, nil
}

func parseCount(arg string, def uint64) (uint64, error) {
	if arg == "" {
		return def, nil
	}
	return parseNumber(arg)
}
