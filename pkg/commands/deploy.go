package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/engine"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/resolver"
)

type deployFlags struct {
	configPath     string
	buildPath      string
	deployConfig   string
	settings       string
	dryRun         bool
	freshDeploy    bool
	overrideSafety bool
	yes            bool
}

// Deploy creates the deploy command.
func (c *Commands) Deploy() *cobra.Command {
	var f deployFlags

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy, configure and synchronize a contract system",
		Long: `Deploys the contracts marked for deployment, reuses the others from the deployment
manifest, applies configuration settings and synchronizes the address resolver.

The run stops before anything is sent when a safety check fails. Writes the signer is not
allowed to make are recorded as owner actions and listed at the end of the run.`,
		Example: `
  # Deploy with the configuration in reconciler.yml
  reconciler deploy --build-path build --deploy-config deploy.json

  # Print the plan and simulate every write
  reconciler deploy --build-path build --deploy-config deploy.json --dry-run --yes

  # Apply configuration settings after deploying
  reconciler deploy --build-path build --deploy-config deploy.json --settings settings.yml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDeploy(cmd, f)
		},
	}

	configFlag(cmd.Flags(), &f.configPath)
	cmd.Flags().StringVarP(&f.buildPath, "build-path", "b", "", "Directory holding the compiled artifacts (required)")
	cmd.Flags().StringVarP(&f.deployConfig, "deploy-config", "d", "", "Path to the deployment configuration (required)")
	cmd.Flags().StringVarP(&f.settings, "settings", "s", "", "Path to the configuration settings to apply")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Simulate every write and leave the stores untouched")
	cmd.Flags().BoolVar(&f.freshDeploy, "fresh-deploy", false, "Deploy everything from scratch into an empty deployment")
	cmd.Flags().BoolVar(&f.overrideSafety, "override-safety", false, "Log safety violations instead of failing")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Skip the confirmation prompt")

	_ = cmd.MarkFlagRequired("build-path")
	_ = cmd.MarkFlagRequired("deploy-config")

	return cmd
}

func (c *Commands) runDeploy(cmd *cobra.Command, f deployFlags) error {
	ctx := cmd.Context()

	cfg, network, err := c.loadConfig(f.configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(f.deployConfig)
	if err != nil {
		return fmt.Errorf("failed to read deployment configuration: %w", err)
	}
	entries, err := deployment.ParseConfig(data)
	if err != nil {
		return err
	}

	buildFS, ok := os.DirFS(f.buildPath).(fs.ReadDirFS)
	if !ok {
		return errors.New("build path cannot be listed")
	}
	artifacts, err := deployment.LoadArtifacts(buildFS, ".")
	if err != nil {
		return err
	}

	options := []engine.Option{engine.WithDecision(promptDecision(cmd, f.yes))}
	if f.settings != "" {
		routine, rerr := loadSettings(f.settings)
		if rerr != nil {
			return rerr
		}
		options = append(options, engine.WithRoutines(routine))
	}

	stores, err := c.deps.StoresLoader(ctx, cfg, cfg.DeploymentPath)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer func() {
		if cerr := stores.Close(); cerr != nil {
			c.lggr.Warnw("Failed to close stores", "error", cerr)
		}
	}()

	chain, err := c.deps.ChainLoader(ctx, Endpoint{RPCURL: cfg.RPCURL, BackupRPCURLs: cfg.BackupRPCURLs, ChainID: cfg.ChainID}, cfg, c.lggr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", network.Name, err)
	}
	defer chain.Close()

	eng := engine.New(chain.Backend, artifacts, stores.Manifests, stores.Actions, engine.Options{
		Network:            cfg.Network,
		OVM:                network.OVM,
		DeploymentPath:     cfg.DeploymentPath,
		DryRun:             f.dryRun,
		FreshDeploy:        f.freshDeploy,
		OverrideSafety:     f.overrideSafety,
		FrozenPrefixes:     cfg.FrozenPrefixes,
		MethodCallGasLimit: cfg.Gas.MethodCallLimit,
		DeployGasLimit:     cfg.Gas.ContractDeploymentLimit,
		Resolver: resolver.Config{
			ImportBatchSize:  network.ImportBatchSize,
			RebuildBatchSize: network.RebuildBatchSize,
			MaxConcurrency:   cfg.Reads.MaxConcurrency,
		},
	}, c.lggr, options...)

	summary, err := eng.Run(ctx, entries)
	if errors.Is(err, engine.ErrAborted) {
		cmd.Println("Aborted, nothing was sent.")

		return nil
	}
	if summary != nil && (err == nil || len(summary.NewContracts) > 0 || len(summary.Reports) > 0) {
		renderSummary(cmd.OutOrStdout(), summary)
	}
	if err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}

	return nil
}

func loadSettings(path string) (engine.Routine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	settings, err := engine.ParseSettings(data)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	return engine.SettingsRoutine(name, settings), nil
}
