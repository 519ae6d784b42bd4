// Command exchangectl runs schema migrations and the background jobs of the
// exchange service outside the API process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "exchangectl:", err)
		stop()
		os.Exit(1)
	}
}
