// Command cad-harness evaluates one CAD program per invocation. It reads a
// JSON request on stdin and writes the result or failure to stdout.
//
// The address space is capped at the GOMEMLIMIT budget before the program
// is read.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/harness"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := harness.LimitMemory(os.Getenv(harness.MemoryLimitEnv)); err != nil {
		fmt.Fprintf(os.Stderr, "cad-harness: %v\n", err)
		os.Exit(1)
	}
	if err := harness.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cad-harness: %v\n", err)
		os.Exit(1)
	}
}
