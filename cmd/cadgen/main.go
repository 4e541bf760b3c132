// Command cadgen synthesizes parametric CAD objects from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cli{out: os.Stdout}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
