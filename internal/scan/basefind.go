package scan

import (
	"context"
	"fmt"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
)

// Basefind searches the base address of a raw image.
type Basefind = Worker[engine.BasefindOptions, engine.BasefindStatus, engine.BasefindScore]

func NewBasefind(h *engine.Handle, opts ...Option) *Basefind {
	return New(h, "basefind", []Phase[engine.BasefindOptions, engine.BasefindStatus, engine.BasefindScore]{
		{
			Name:   "search",
			Engine: true,
			Run: func(ctx context.Context, e engine.Engine, opts engine.BasefindOptions, report func(engine.BasefindStatus) bool) ([]engine.BasefindScore, error) {
				bf, ok := e.(engine.Basefinder)
				if !ok {
					return nil, fmt.Errorf("basefind: %w", engine.ErrUnsupported)
				}
				return bf.Basefind(ctx, opts, report)
			},
		},
	}, opts...)
}
