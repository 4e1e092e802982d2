package deployment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

// DeployerConfig configures a Deployer.
type DeployerConfig struct {
	// Network is recorded on every new DeploymentRecord.
	Network string
	// DryRun simulates contract creation. Nothing is sent and the manifest is not written.
	DryRun bool
	// GasLimit is the gas limit of creation transactions. Zero lets the node estimate.
	GasLimit uint64
}

// Deployer establishes the address of every configured contract, either by deploying it or by
// reusing the address recorded in the manifest, and fills the Registry.
type Deployer struct {
	backend   evm.Backend
	artifacts ArtifactSource
	store     ManifestStore
	registry  *Registry
	cfg       DeployerConfig
	lggr      logger.Logger

	deployed []DeploymentRecord
}

// NewDeployer creates a Deployer.
func NewDeployer(
	backend evm.Backend,
	artifacts ArtifactSource,
	store ManifestStore,
	registry *Registry,
	cfg DeployerConfig,
	lggr logger.Logger,
) *Deployer {
	return &Deployer{
		backend:   backend,
		artifacts: artifacts,
		store:     store,
		registry:  registry,
		cfg:       cfg,
		lggr:      lggr.Named("deployer"),
	}
}

// Run processes entries in declaration order. manifest is updated in place and saved after
// every fresh deployment, so an interrupted run keeps the contracts it already created.
func (d *Deployer) Run(ctx context.Context, entries []ConfigEntry, manifest *Manifest) error {
	for _, entry := range entries {
		if _, err := d.DeployContract(ctx, entry, manifest); err != nil {
			return fmt.Errorf("%s: %w", entry.Name, err)
		}
	}

	d.lggr.Infow("Deployment complete",
		"contracts", d.registry.Len(),
		"new", len(d.deployed),
		"dryRun", d.cfg.DryRun,
	)

	return nil
}

// DeployContract establishes the address of a single entry and registers it.
func (d *Deployer) DeployContract(ctx context.Context, entry ConfigEntry, manifest *Manifest) (Instance, error) {
	if entry.Deploy {
		return d.deploy(ctx, entry, manifest)
	}

	return d.reuse(entry, manifest)
}

// NewContractsDeployed returns the records created in this run, in deployment order. In a dry
// run the records carry placeholder addresses.
func (d *Deployer) NewContractsDeployed() []DeploymentRecord {
	return append([]DeploymentRecord(nil), d.deployed...)
}

func (d *Deployer) reuse(entry ConfigEntry, manifest *Manifest) (Instance, error) {
	rec, ok := manifest.Record(entry.Name)
	if !ok {
		return nil, ErrMissingAddress
	}

	contractABI, err := d.abiFor(rec.Source, manifest)
	if err != nil {
		return nil, err
	}

	inst, err := d.registry.Add(Contract{
		Name:    entry.Name,
		Source:  rec.Source,
		Address: rec.Address,
		ABI:     contractABI,
	})
	if err != nil {
		return nil, err
	}

	d.lggr.Infow("Reusing contract", "contract", entry.Name, "address", rec.Address.Hex(), "source", rec.Source)

	return inst, nil
}

func (d *Deployer) deploy(ctx context.Context, entry ConfigEntry, manifest *Manifest) (Instance, error) {
	source := entry.SourceName()
	art, err := d.artifacts.Artifact(source)
	if err != nil {
		return nil, err
	}
	if len(art.Bytecode) == 0 {
		return nil, fmt.Errorf("artifact %s has no bytecode", source)
	}

	args, err := ConvertArgs(art.ABI.Constructor.Inputs, entry.Args, d.backend.From(), d.dependencyResolver(manifest))
	if err != nil {
		return nil, fmt.Errorf("constructor arguments: %w", err)
	}

	rec := DeploymentRecord{
		Name:      entry.Name,
		Source:    source,
		Timestamp: art.Timestamp,
		Network:   d.cfg.Network,
	}

	if d.cfg.DryRun {
		rec.Address = PlaceholderAddress(entry.Name)
		d.lggr.Infow("Dry run: would deploy contract", "contract", entry.Name, "source", source, "placeholder", rec.Address.Hex())

		return d.register(rec, art.ABI, true)
	}

	d.lggr.Infow("Deploying contract", "contract", entry.Name, "source", source)

	addr, txHash, err := d.backend.Deploy(ctx, art.ABI, art.Bytecode, d.cfg.GasLimit, args...)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", source, err)
	}
	rec.Address = addr
	rec.TxHash = txHash

	manifest.Put(rec, art.RawABI)
	if err := d.store.Save(ctx, manifest); err != nil {
		return nil, fmt.Errorf("contract deployed at %s but manifest could not be saved: %w", addr.Hex(), err)
	}

	d.lggr.Infow("Deployed contract", "contract", entry.Name, "address", addr.Hex(), "tx", txHash.Hex())

	return d.register(rec, art.ABI, false)
}

func (d *Deployer) register(rec DeploymentRecord, contractABI abi.ABI, placeholder bool) (Instance, error) {
	inst, err := d.registry.Add(Contract{
		Name:        rec.Name,
		Source:      rec.Source,
		Address:     rec.Address,
		ABI:         contractABI,
		Placeholder: placeholder,
	})
	if err != nil {
		return nil, err
	}
	d.deployed = append(d.deployed, rec)

	return inst, nil
}

// dependencyResolver resolves references to the registry first and the manifest second.
func (d *Deployer) dependencyResolver(manifest *Manifest) AddressResolver {
	return func(name string) (common.Address, error) {
		addr, err := d.registry.Address(name)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrContractNotFound) {
			return common.Address{}, err
		}

		if rec, ok := manifest.Record(name); ok {
			return rec.Address, nil
		}

		return common.Address{}, fmt.Errorf("%s: %w", name, ErrDependencyNotFound)
	}
}

// abiFor returns the interface of source from the manifest, or from the build artifacts when
// the manifest does not carry it.
func (d *Deployer) abiFor(source string, manifest *Manifest) (abi.ABI, error) {
	parsed, ok, err := manifest.ABI(source)
	if err != nil {
		return abi.ABI{}, err
	}
	if ok {
		return parsed, nil
	}

	art, err := d.artifacts.Artifact(source)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("no interface for %s: %w", source, err)
	}

	return art.ABI, nil
}

// PlaceholderAddress is the address a dry run assigns to name. It is derived from the name
// so repeated dry runs print the same plan.
func PlaceholderAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("dry-run:" + name)))
}
