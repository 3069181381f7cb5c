package sim

import (
	"cmp"
	"context"
	"encoding/binary"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/parallel"
)

type chunk struct {
	index    int
	pointers []uint64
}

type scores map[uint64]uint32

// Basefind scores every aligned candidate base in [StartAddress, EndAddress)
// by the number of pointers of the image which, rebased on the candidate,
// land on the start of a printable string. The pointers are split between
// MaxThreads workers, each reporting its own progress.
func (e *Engine) Basefind(ctx context.Context, opts engine.BasefindOptions, progress func(engine.BasefindStatus) bool) ([]engine.BasefindScore, error) {
	defer e.enter()()

	starts := stringStarts(e.data, int(opts.MinStringLen))
	pointers := readPointers(e.data, opts.PointerSize)

	threads := opts.MaxThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	threads = max(1, min(threads, len(pointers)))

	chunks := make([]chunk, threads)
	for i := range chunks {
		lo := i * len(pointers) / threads
		hi := (i + 1) * len(pointers) / threads
		chunks[i] = chunk{index: i, pointers: pointers[lo:hi]}
	}

	// each search merges what it found on its way out, cancelled or not, so
	// that a stopped search still yields the scores computed so far
	var mu sync.Mutex
	total := scores{}
	merge := func(found scores) {
		mu.Lock()
		defer mu.Unlock()
		for base, n := range found {
			total[base] += n
		}
	}

	var stop atomic.Bool
	search := func(ctx context.Context, c chunk) (struct{}, error) {
		found := scores{}
		defer merge(found)
		last := -1
		report := func(pct int) bool {
			if stop.Load() {
				return false
			}
			if pct == last {
				return true
			}
			last = pct
			if err := e.pause(ctx); err != nil {
				return false
			}
			if !progress(engine.BasefindStatus{Index: c.index, Percentage: pct}) {
				stop.Store(true)
			}
			return !stop.Load()
		}
		if !report(0) {
			return struct{}{}, nil
		}
		for i, p := range c.pointers {
			for _, s := range starts {
				if p < s {
					break
				}
				base := p - s
				if base < opts.StartAddress || base >= opts.EndAddress || base%opts.Alignment != 0 {
					continue
				}
				found[base]++
			}
			if !report((i + 1) * 100 / len(c.pointers)) {
				return struct{}{}, nil
			}
		}
		if len(c.pointers) == 0 {
			report(100)
		}
		return struct{}{}, nil
	}

	for range parallel.NewMap(ctx, threads, search).Iter(slices.Values(chunks)) {
	}

	mu.Lock()
	defer mu.Unlock()

	var ret []engine.BasefindScore
	for _, base := range slices.Sorted(maps.Keys(total)) {
		if total[base] >= opts.MinScore {
			ret = append(ret, engine.BasefindScore{Candidate: base, Score: total[base]})
		}
	}
	slices.SortStableFunc(ret, func(a, b engine.BasefindScore) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return ret, ctx.Err()
}

// stringStarts returns the sorted offsets of the NUL terminated printable
// runs of at least minLen bytes.
func stringStarts(data []byte, minLen int) []uint64 {
	var ret []uint64
	start := -1
	for i, b := range data {
		switch {
		case b >= 0x20 && b < 0x7f:
			if start < 0 {
				start = i
			}
		case b == 0 && start >= 0 && i-start >= minLen:
			ret = append(ret, uint64(start))
			start = -1
		default:
			start = -1
		}
	}
	return ret
}

// readPointers reads every aligned little endian word of the image.
func readPointers(data []byte, bits int) []uint64 {
	size := 4
	if bits == 64 {
		size = 8
	}
	ret := make([]uint64, 0, len(data)/size)
	for off := 0; off+size <= len(data); off += size {
		var p uint64
		if size == 8 {
			p = binary.LittleEndian.Uint64(data[off:])
		} else {
			p = uint64(binary.LittleEndian.Uint32(data[off:]))
		}
		if p != 0 {
			ret = append(ret, p)
		}
	}
	return ret
}
