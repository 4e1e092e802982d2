package commands

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/relay"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/safe"
)

// DefaultRelayContract is the manifest name of the relay on the primary chain.
const DefaultRelayContract = "OwnerRelayOnEthereum"

type relayFlags struct {
	configPath string
	action     string
	desired    string
	contracts  []string
	dryRun     bool
	yes        bool
}

// RelayOwnership creates the relay-ownership command.
func (c *Commands) RelayOwnership() *cobra.Command {
	var f relayFlags

	cmd := &cobra.Command{
		Use:   "relay-ownership",
		Short: "Relay ownership changes to contracts on the secondary chain",
		Long: `Nominates a new owner for, or accepts ownership of, the contracts deployed on the
secondary chain by relaying the calls through the owner relay on the primary chain.

The relay section of the configuration describes the primary chain, the top level
configuration the secondary chain. When the relay is owned by the configured Safe, the relay
transactions are proposed to the Safe transaction service instead of being sent.`,
		Example: `
  # Nominate the protocol DAO on every contract
  reconciler relay-ownership --action nominate --desired-owner 0x...

  # Accept ownership on two contracts only
  reconciler relay-ownership --action accept --desired-owner 0x... --contracts Issuer,Exchanger
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRelay(cmd, f)
		},
	}

	configFlag(cmd.Flags(), &f.configPath)
	cmd.Flags().StringVar(&f.action, "action", "", "Ownership action to relay: nominate or accept (required)")
	cmd.Flags().StringVar(&f.desired, "desired-owner", "", "Address of the desired owner (required)")
	cmd.Flags().StringSliceVar(&f.contracts, "contracts", nil, "Contracts to relay to. Defaults to every contract supporting the action")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Simulate the relay transactions")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Skip the confirmation prompt")

	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("desired-owner")

	return cmd
}

func parseRelayAction(s string) (relay.Action, error) {
	switch strings.ToLower(s) {
	case "nominate":
		return relay.Nominate, nil
	case "accept":
		return relay.Accept, nil
	default:
		return 0, fmt.Errorf("invalid action %q: must be nominate or accept", s)
	}
}

func (c *Commands) runRelay(cmd *cobra.Command, f relayFlags) error {
	ctx := cmd.Context()

	action, err := parseRelayAction(f.action)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(f.desired) {
		return fmt.Errorf("invalid desired owner %q", f.desired)
	}
	desired := common.HexToAddress(f.desired)

	cfg, _, err := c.loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if err = cfg.Relay.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	primaryStores, err := c.deps.StoresLoader(ctx, cfg, cfg.Relay.DeploymentPath)
	if err != nil {
		return fmt.Errorf("failed to open primary stores: %w", err)
	}
	defer primaryStores.Close()

	secondaryStores, err := c.deps.StoresLoader(ctx, cfg, cfg.DeploymentPath)
	if err != nil {
		return fmt.Errorf("failed to open secondary stores: %w", err)
	}
	defer secondaryStores.Close()

	primaryManifest, err := primaryStores.Manifests.Load(ctx)
	if err != nil {
		return err
	}
	relayName := cfg.Relay.Contract
	if relayName == "" {
		relayName = DefaultRelayContract
	}
	relayContract, err := primaryManifest.Contract(relayName)
	if err != nil {
		return fmt.Errorf("relay contract: %w", err)
	}

	secondaryManifest, err := secondaryStores.Manifests.Load(ctx)
	if err != nil {
		return err
	}
	targets, err := relayTargets(secondaryManifest, action, f.contracts)
	if err != nil {
		return err
	}

	cmd.Printf("Relaying %s to %s on %d contracts through %s\n", action, desired.Hex(), len(targets), relayContract)
	if !f.yes {
		ok, cerr := confirm(cmd, "Continue")
		if cerr != nil {
			return cerr
		}
		if !ok {
			cmd.Println("Aborted, nothing was sent.")

			return nil
		}
	}

	primary, err := c.deps.ChainLoader(ctx, Endpoint{RPCURL: cfg.Relay.RPCURL, ChainID: cfg.Relay.ChainID}, cfg, c.lggr)
	if err != nil {
		return fmt.Errorf("failed to connect to primary chain: %w", err)
	}
	defer primary.Close()

	secondary, err := c.deps.ChainLoader(ctx, Endpoint{RPCURL: cfg.RPCURL, BackupRPCURLs: cfg.BackupRPCURLs, ChainID: cfg.ChainID}, cfg, c.lggr)
	if err != nil {
		return fmt.Errorf("failed to connect to secondary chain: %w", err)
	}
	defer secondary.Close()

	var stager *safe.Stager
	if cfg.Safe.ServiceURL != "" && cfg.Safe.Address != "" {
		client, cerr := safe.NewClient(cfg.Safe.ServiceURL)
		if cerr != nil {
			return cerr
		}
		stager = safe.NewStager(common.HexToAddress(cfg.Safe.Address), primary.Backend, client, primary.Signer, c.lggr)
	}

	exec := reconcile.NewExecutor(primary.Backend, primaryStores.Actions, reconcile.ExecutorConfig{
		DryRun:   f.dryRun,
		GasLimit: cfg.Gas.MethodCallLimit,
	}, c.lggr)

	bridge, err := relay.NewBridge(primary.Backend, secondary.Backend, exec, stager, relay.Config{
		Relay:               relayContract,
		CrossDomainGasLimit: cfg.Relay.CrossDomainGasLimit,
		MaxBatchSize:        cfg.Relay.MaxBatchSize,
	}, c.lggr)
	if err != nil {
		return err
	}

	res, err := bridge.Run(ctx, action, desired, targets)
	if res != nil {
		renderRelay(cmd.OutOrStdout(), res)
	}
	if err != nil {
		return fmt.Errorf("relay failed: %w", err)
	}

	return nil
}

// relayTargets returns the contracts of m the action applies to. Without names every
// contract exposing the action and the ownership views is a target.
func relayTargets(m *deployment.Manifest, action relay.Action, names []string) ([]deployment.Contract, error) {
	explicit := len(names) > 0
	if !explicit {
		names = m.Names()
	}

	targets := make([]deployment.Contract, 0, len(names))
	for _, name := range names {
		c, err := m.Contract(name)
		if err != nil {
			return nil, err
		}

		ok := c.HasMethod(action.String()) && c.HasMethod("owner") && c.HasMethod("nominatedOwner")
		if !ok {
			if explicit {
				return nil, fmt.Errorf("%s does not support %s", name, action)
			}

			continue
		}
		if !slices.ContainsFunc(targets, func(t deployment.Contract) bool { return t.Address == c.Address }) {
			targets = append(targets, c)
		}
	}

	return targets, nil
}
