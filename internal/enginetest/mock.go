// Package enginetest provides a testify mock of engine.Engine.
package enginetest

import (
	"context"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/stretchr/testify/mock"
)

// Engine mocks engine.Engine. Sleep and Wake are always allowed and only
// counted; every other method needs an expectation.
type Engine struct {
	mock.Mock
	sleeps int
	wakes  int
}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{}
}

func (m *Engine) Cmd(ctx context.Context, cmd string) (string, error) {
	args := m.Called(ctx, cmd)
	return args.String(0), args.Error(1)
}

func (m *Engine) Offset() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

func (m *Engine) Seek(offset uint64, save bool) error {
	return m.Called(offset, save).Error(0)
}

func (m *Engine) SeekUndo() bool {
	return m.Called().Bool(0)
}

func (m *Engine) SeekRedo() bool {
	return m.Called().Bool(0)
}

func (m *Engine) Sleep() engine.SleepToken {
	m.sleeps++
	return m.sleeps
}

func (m *Engine) Wake(engine.SleepToken) {
	m.wakes++
}

// Sleeps and Wakes must only be read while the engine is not in use.
func (m *Engine) Sleeps() int { return m.sleeps }
func (m *Engine) Wakes() int  { return m.wakes }
