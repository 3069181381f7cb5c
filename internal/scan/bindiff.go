package scan

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
)

var ErrNotRegular = errors.New("not a regular file")

// BinDiff compares the loaded image with another file.
type BinDiff struct {
	*Worker[engine.DiffOptions, engine.DiffStatus, engine.DiffResult]
}

func NewBinDiff(h *engine.Handle, opts ...Option) *BinDiff {
	phases := []Phase[engine.DiffOptions, engine.DiffStatus, engine.DiffResult]{
		{
			Name: "open",
			Run: func(_ context.Context, _ engine.Engine, opts engine.DiffOptions, _ func(engine.DiffStatus) bool) ([]engine.DiffResult, error) {
				info, err := os.Stat(opts.File)
				if err != nil {
					return nil, err
				}
				if !info.Mode().IsRegular() {
					return nil, fmt.Errorf("%s: %w", opts.File, ErrNotRegular)
				}
				return nil, nil
			},
		},
		{
			Name:   "diff",
			Engine: true,
			Run: func(ctx context.Context, e engine.Engine, opts engine.DiffOptions, report func(engine.DiffStatus) bool) ([]engine.DiffResult, error) {
				d, ok := e.(engine.Differ)
				if !ok {
					return nil, fmt.Errorf("bindiff: %w", engine.ErrUnsupported)
				}
				total := 1
				res, err := d.Diff(ctx, opts, func(s engine.DiffStatus) bool {
					total = max(total, s.Left, s.Matched)
					s.Total = total
					return report(s)
				})
				return []engine.DiffResult{res}, err
			},
		},
	}
	return &BinDiff{New(h, "bindiff", phases, opts...)}
}

// Matches returns the paired functions found so far.
func (b *BinDiff) Matches() []engine.Match {
	var ret []engine.Match
	for _, r := range b.Results().Items {
		ret = append(ret, r.Matches...)
	}
	return ret
}

// Mismatch returns the functions found only in the loaded image when
// original is set, or only in the other file.
func (b *BinDiff) Mismatch(original bool) []engine.Function {
	var ret []engine.Function
	for _, r := range b.Results().Items {
		if original {
			ret = append(ret, r.UnmatchedA...)
		} else {
			ret = append(ret, r.UnmatchedB...)
		}
	}
	return ret
}
