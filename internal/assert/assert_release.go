//go:build release

package assert

import (
	"fmt"
	"log/slog"
)

const Strict = false

// Check logs a failed condition and returns it as an error so the caller can
// bail out without corrupting its state.
func Check(condition bool, msg string, args ...any) error {
	if condition {
		return nil
	}
	err := fmt.Errorf("assertion failed: %s", fmt.Sprintf(msg, args...))
	slog.Error("invariant violated", "error", err)
	return err
}
