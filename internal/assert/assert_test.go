//go:build !release

package assert_test

import (
	"fmt"
	"testing"

	"github.com/CZERTAINLY/Arbiter/internal/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	t.Parallel()
	require.True(t, assert.Strict)
	require.NoError(t, assert.Check(true, "never"))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		require.Contains(t, fmt.Sprint(r), "ASSERTION FAILED: depth -1")
	}()
	_ = assert.Check(false, "depth %d", -1)
}
