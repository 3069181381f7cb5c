//go:build !release

// Package assert reports broken concurrency invariants: a double start of a
// task, a join from the goroutine executing it, an out of order guard
// release. These are programming errors and fail loudly. Builds tagged
// `release` log them instead (see assert_release.go).
package assert

import (
	"fmt"
	"runtime/debug"
)

// Strict is true when a failed check panics.
const Strict = true

// Check returns nil when condition holds and panics otherwise.
func Check(condition bool, msg string, args ...any) error {
	if condition {
		return nil
	}
	panic(fmt.Sprintf("ASSERTION FAILED: %s\n%s", fmt.Sprintf(msg, args...), debug.Stack()))
}
