// Package commands provides the CLI commands of the reconciler.
//
// There are two ways to construct the commands:
//
// 1. Via the Commands factory with production dependencies:
//
//	cmds := commands.New(lggr)
//	root := cmds.Root()
//
// 2. With injected dependencies (for testing):
//
//	cmds := commands.NewWithDeps(lggr, commands.Deps{
//	    ChainLoader: myChainLoader,
//	})
package commands

import (
	"github.com/spf13/cobra"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

// DefaultConfigFile is read when --config is not given. Without it the configuration comes
// from the environment.
const DefaultConfigFile = "reconciler.yml"

// Commands provides a factory for creating CLI commands with shared configuration.
// This allows setting the logger once and reusing it across all commands.
type Commands struct {
	lggr logger.Logger
	deps Deps
}

// New creates a new Commands factory with the given logger and production dependencies.
func New(lggr logger.Logger) *Commands {
	return NewWithDeps(lggr, Deps{})
}

// NewWithDeps creates a new Commands factory. Nil dependencies use production defaults.
func NewWithDeps(lggr logger.Logger, deps Deps) *Commands {
	deps.applyDefaults()

	return &Commands{lggr: lggr, deps: deps}
}

// Root creates the root command with every subcommand attached.
func (c *Commands) Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconciler",
		Short: "Deploy and configure contract systems",
		Long: `Reconciles a contract system on an EVM chain with its declared configuration.

Contracts are deployed or reused, configuration settings are applied where they differ from
the chain, and the address resolver and contract caches are synchronized. Writes the signer
cannot make are recorded as owner actions.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		c.Deploy(),
		c.OwnerActions(),
		c.RelayOwnership(),
	)
	cmd.SetGlobalNormalizationFunc(normalizeFlagName)

	return cmd
}
