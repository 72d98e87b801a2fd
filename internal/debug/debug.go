// Package debug provides env-gated diagnostic logging to stderr.
package debug

import (
	"fmt"
	"os"
)

// Enabled returns true if LOOM_DEBUG is set.
func Enabled() bool {
	val := os.Getenv("LOOM_DEBUG")
	return val == "1" || val == "true"
}

// Logf logs to stderr if LOOM_DEBUG is enabled.
func Logf(format string, args ...interface{}) {
	if Enabled() {
		fmt.Fprintf(os.Stderr, "[loom] "+format+"\n", args...)
	}
}
