package parallel_test

import (
	"context"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Arbiter/internal/parallel"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d), nil
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	type given struct {
		limit int
		ctx   func(t *testing.T) context.Context
	}
	tCtx := func(t *testing.T) context.Context {
		t.Helper()
		return t.Context()
	}

	var testCases = []struct {
		scenario string
		given    given
		then     time.Duration
	}{
		{"limit 1", given{1, tCtx}, 18 * time.Second},
		{"limit 10", given{10, tCtx}, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m := parallel.NewMap(tt.given.ctx(t), tt.given.limit, f).Iter(slices.Values(input))
				require.ElementsMatch(t, expected, values(m))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapCancel(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
		defer cancel()

		f := func(ctx context.Context, d time.Duration) (int, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(d):
				return int(d), nil
			}
		}
		input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second}
		start := time.Now()
		got := values(parallel.NewMap(ctx, 3, f).Iter(slices.Values(input)))
		require.Equal(t, []int{int(1 * time.Second)}, got)
		require.Equal(t, 1500*time.Millisecond, time.Since(start))
	})
}

func TestMapBreak(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, i int) (int, error) {
		<-ctx.Done()
		return i, nil
	}
	first := func(ctx context.Context, i int) (int, error) {
		if i == 0 {
			return i, nil
		}
		return f(ctx, i)
	}
	for d := range parallel.NewMap(t.Context(), 4, first).Iter(slices.Values([]int{0, 1, 2, 3})) {
		require.Zero(t, d)
		break
	}
}

func values[T any](i func(yield func(T, error) bool)) []T {
	var ret []T
	for k, err := range i {
		if err != nil {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}
