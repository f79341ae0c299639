// sdsync is a command line client for the Spacedrive daemon.
//
// It keeps a live job view over the daemon's event stream, runs one-off
// queries and controls jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/slvnlrt/spacedrive/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	_ = logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}
