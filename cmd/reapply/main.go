package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"reapply/internal/cli"
)

// main is a deterministic boundary: every input is canonicalized into an
// Invocation before any stage runs.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
