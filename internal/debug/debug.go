// Package debug provides env-gated diagnostic logging. Output goes to
// stderr and is off unless BUNSANE_DEBUG (or DEBUG) is set, so the hot paths
// pay only a boolean check.
package debug

import (
	"fmt"
	"os"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	if os.Getenv("BUNSANE_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		enabled.Store(true)
	}
}

// Enabled reports whether debug logging is on.
func Enabled() bool { return enabled.Load() }

// SetEnabled overrides the env gate; used by the CLI --debug flag and by
// tests.
func SetEnabled(on bool) { enabled.Store(on) }

// Logf writes a formatted line to stderr when debug logging is enabled.
func Logf(format string, args ...any) {
	if !enabled.Load() {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
