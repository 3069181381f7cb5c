package sim

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
)

const blockSize = 16

type function struct {
	engine.Function
	code []byte
}

// Diff splits both images into fixed size functions (64 bytes at level 0,
// halved by every level) skipping all-zero padding. Functions are paired by
// address first, then by identical code. Similarity is the fraction of
// equal bytes, or of equal 16 byte blocks with CompareBlocks.
func (e *Engine) Diff(ctx context.Context, opts engine.DiffOptions, progress func(engine.DiffStatus) bool) (engine.DiffResult, error) {
	defer e.enter()()

	other, err := os.ReadFile(opts.File)
	if err != nil {
		return engine.DiffResult{}, fmt.Errorf("diff: %w", err)
	}

	size := 64 >> min(max(opts.Level, 0), 2)
	as := functions(e.data, size)
	bs := functions(other, size)

	byAddr := make(map[uint64]int, len(bs))
	byCode := make(map[string]int, len(bs))
	for i, f := range bs {
		byAddr[f.Offset] = i
		if _, ok := byCode[string(f.code)]; !ok {
			byCode[string(f.code)] = i
		}
	}

	var ret engine.DiffResult
	usedB := make([]bool, len(bs))
	pending := as[:0:0]
	for i, a := range as {
		if err := e.pause(ctx); err != nil {
			return ret, err
		}
		if j, ok := byAddr[a.Offset]; ok && !usedB[j] {
			usedB[j] = true
			ret.Matches = append(ret.Matches, engine.Match{
				Original:   a.Function,
				Modified:   bs[j].Function,
				Similarity: similarity(a.code, bs[j].code, opts.CompareLogic),
			})
		} else {
			pending = append(pending, a)
		}
		if !progress(engine.DiffStatus{Left: len(as) - i - 1, Matched: len(ret.Matches)}) {
			return ret, nil
		}
	}

	for _, a := range pending {
		if j, ok := byCode[string(a.code)]; ok && !usedB[j] {
			usedB[j] = true
			ret.Matches = append(ret.Matches, engine.Match{Original: a.Function, Modified: bs[j].Function, Similarity: 1})
			continue
		}
		ret.UnmatchedA = append(ret.UnmatchedA, a.Function)
	}
	for j, b := range bs {
		if !usedB[j] {
			ret.UnmatchedB = append(ret.UnmatchedB, b.Function)
		}
	}
	return ret, ctx.Err()
}

func functions(data []byte, size int) []function {
	var ret []function
	for off := 0; off < len(data); off += size {
		code := data[off:min(off+size, len(data))]
		if allZero(code) {
			continue
		}
		ret = append(ret, function{
			Function: engine.Function{
				Offset: uint64(off),
				Size:   uint64(len(code)),
				Name:   fmt.Sprintf("fcn.%08x", off),
				Blocks: (len(code) + blockSize - 1) / blockSize,
			},
			code: code,
		})
	}
	return ret
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func similarity(a, b []byte, logic string) float64 {
	n := max(len(a), len(b))
	if n == 0 {
		return 1
	}
	if logic == engine.CompareBlocks {
		blocks := (n + blockSize - 1) / blockSize
		equal := 0
		for i := 0; i < n; i += blockSize {
			if bytes.Equal(window(a, i), window(b, i)) {
				equal++
			}
		}
		return float64(equal) / float64(blocks)
	}
	equal := 0
	for i := range min(len(a), len(b)) {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(n)
}

func window(b []byte, i int) []byte {
	if i >= len(b) {
		return nil
	}
	return b[i:min(i+blockSize, len(b))]
}
