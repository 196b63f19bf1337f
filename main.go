// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/trialkey-cli/cmd"
)

// main is the entry point for the trialkey CLI. SIGINT and SIGTERM cancel the
// running step; ledger writes already in progress still complete.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
