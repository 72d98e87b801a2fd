// loom is the AI code-generation orchestrator: a per-project daemon
// that plans, generates, validates, and deploys an application from a
// natural-language query, plus the client commands that talk to it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
