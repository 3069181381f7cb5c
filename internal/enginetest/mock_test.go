package enginetest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/enginetest"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestEngine(t *testing.T) {
	t.Parallel()
	m := enginetest.New()
	errSeek := errors.New("seek")
	m.On("Offset").Return(uint64(0x10)).Once()
	m.On("Offset").Return(uint64(0x20))
	m.On("Cmd", mock.Anything, "pd 1").Return("nop\n", nil)
	m.On("Seek", uint64(0x20), true).Return(errSeek)

	h := engine.NewHandle(m)
	err := h.Do(t.Context(), func(ctx context.Context, e engine.Engine) error {
		out, err := e.Cmd(ctx, "pd 1")
		require.NoError(t, err)
		require.Equal(t, "nop\n", out)
		return e.Seek(0x20, true)
	})
	require.ErrorIs(t, err, errSeek)
	h.Close()

	require.Equal(t, 2, m.Sleeps())
	require.Equal(t, 2, m.Wakes())
	m.AssertExpectations(t)
}
