package commands

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm/provider"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/config"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/safe"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/store"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/store/sqlstore"
)

// Chain is a connected chain.
type Chain struct {
	Backend evm.Backend
	// Signer signs multisig transaction hashes with the deployer key.
	Signer safe.Signer
	Close  func()
}

// Endpoint is the chain a command connects to.
type Endpoint struct {
	RPCURL        string
	BackupRPCURLs []string
	ChainID       uint64
}

// ConfigLoaderFunc loads the run configuration from path.
type ConfigLoaderFunc func(path string) (*config.Config, error)

// ChainLoaderFunc connects to the chain at ep, signing with the configured key.
type ChainLoaderFunc func(ctx context.Context, ep Endpoint, cfg *config.Config, lggr logger.Logger) (*Chain, error)

// StoresLoaderFunc opens the manifest and owner action stores of the deployment in dir.
type StoresLoaderFunc func(ctx context.Context, cfg *config.Config, dir string) (*Stores, error)

// Stores are the durable stores of one deployment.
type Stores struct {
	Manifests deployment.ManifestStore
	Actions   reconcile.OwnerActionStore
	Close     func() error
}

// Deps holds the injectable dependencies of the commands.
// All fields are optional; nil values will use production defaults.
type Deps struct {
	// ConfigLoader loads the run configuration.
	// Default: config.Load
	ConfigLoader ConfigLoaderFunc

	// ChainLoader connects to a chain.
	// Default: dials the RPC endpoint with the configured signer
	ChainLoader ChainLoaderFunc

	// StoresLoader opens the stores of a deployment.
	// Default: PostgreSQL when a database DSN is configured, JSON files otherwise
	StoresLoader StoresLoaderFunc
}

// applyDefaults fills in nil dependencies with production defaults.
func (d *Deps) applyDefaults() {
	if d.ConfigLoader == nil {
		d.ConfigLoader = config.Load
	}
	if d.ChainLoader == nil {
		d.ChainLoader = defaultChainLoader
	}
	if d.StoresLoader == nil {
		d.StoresLoader = defaultStoresLoader
	}
}

// defaultChainLoader dials the node and wraps it in a ContractClient.
func defaultChainLoader(ctx context.Context, ep Endpoint, cfg *config.Config, lggr logger.Logger) (*Chain, error) {
	gen, err := cfg.Signer.Generator()
	if err != nil {
		return nil, err
	}

	chain, err := provider.NewRPCChain(ctx, provider.RPCChainProviderConfig{
		RPCURL:                ep.RPCURL,
		BackupRPCURLs:         ep.BackupRPCURLs,
		ChainID:               ep.ChainID,
		DeployerTransactorGen: gen,
		WaitMinedTimeout:      cfg.Confirm.Timeout,
		TickInterval:          cfg.Confirm.TickInterval,
		Logger:                lggr,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Gas.MaxFeeGwei > 0 {
		chain.DeployerKey.GasFeeCap = gwei(cfg.Gas.MaxFeeGwei)
	}
	if cfg.Gas.MaxPriorityFeeGwei > 0 {
		chain.DeployerKey.GasTipCap = gwei(cfg.Gas.MaxPriorityFeeGwei)
	}

	opts := []evm.ClientOption{evm.WithLogger(lggr)}
	if cfg.Reads.RetryAttempts > 0 {
		opts = append(opts, evm.WithRetryAttempts(cfg.Reads.RetryAttempts))
	}

	return &Chain{
		Backend: evm.NewContractClient(chain, opts...),
		Signer:  safe.ChainSigner(chain),
		Close: func() {
			if c, ok := chain.Client.(interface{ Close() }); ok {
				c.Close()
			}
		},
	}, nil
}

// gwei converts a gwei amount to wei.
func gwei(amount float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e9)).Int(nil)

	return wei
}

// defaultStoresLoader opens the stores of the deployment in dir.
func defaultStoresLoader(ctx context.Context, cfg *config.Config, dir string) (*Stores, error) {
	if cfg.Database.DSN != "" {
		db, err := sqlstore.Open(ctx, sqlstore.DriverPostgres, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(dir)

		return &Stores{
			Manifests: sqlstore.NewManifestStore(db, name),
			Actions:   sqlstore.NewOwnerActionStore(db, name),
			Close:     db.Close,
		}, nil
	}

	if dir == "" {
		return nil, errors.New("deployment path is required")
	}

	var actions reconcile.OwnerActionStore = store.NewFileOwnerActionStore(dir)
	if cfg.OwnerActions.File != "" {
		actions = store.NewFileOwnerActionStoreAt(cfg.OwnerActions.File)
	}

	return &Stores{
		Manifests: store.NewFileManifestStore(dir),
		Actions:   actions,
		Close:     func() error { return nil },
	}, nil
}

// loadConfig loads the config and the network it targets. A configured log level replaces
// the logger of the factory.
func (c *Commands) loadConfig(path string) (*config.Config, config.Network, error) {
	cfg, err := c.deps.ConfigLoader(path)
	if err != nil {
		return nil, config.Network{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, config.Network{}, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.LogLevel != "" {
		lggr, lerr := logger.Parse(cfg.LogLevel)
		if lerr != nil {
			return nil, config.Network{}, fmt.Errorf("invalid config: %w", lerr)
		}
		c.lggr = lggr
	}

	network, err := cfg.ResolveNetwork()
	if err != nil {
		return nil, config.Network{}, err
	}

	return cfg, network, nil
}
