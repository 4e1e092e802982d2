// Command reconciler deploys and configures contract systems on EVM chains.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/commands"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lggr, err := logger.New()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = lggr.Sync() }()

	root := commands.New(lggr).Root()
	root.SilenceErrors = true

	return root.ExecuteContext(ctx)
}
