package scan_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// firmware is a raw image meant to be loaded at 0x10000, padded with filler
// words to make the search longer.
func firmware(filler int) []byte {
	const base = 0x10000
	data := make([]byte, 0x1000+4*filler)
	copy(data[0x100:], "hello world!!\x00")
	copy(data[0x200:], "another string\x00")
	binary.LittleEndian.PutUint32(data[0x400:], base+0x100)
	binary.LittleEndian.PutUint32(data[0x408:], base+0x200)
	for i := range filler {
		binary.LittleEndian.PutUint32(data[0x1000+4*i:], uint32(0x7f000001+i))
	}
	return data
}

func newHandle(t *testing.T, data []byte, opts ...sim.Option) (*engine.Handle, *sim.Engine) {
	t.Helper()
	e := sim.New(data, opts...)
	h := engine.NewHandle(e)
	t.Cleanup(func() {
		require.Zero(t, h.Depth())
		h.Close()
		require.Zero(t, e.Violations())
	})
	return h, e
}

func basefindOptions() engine.BasefindOptions {
	opts := engine.DefaultBasefindOptions()
	opts.EndAddress = 0x100000
	opts.MaxThreads = 1
	return opts
}
