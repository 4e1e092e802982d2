// Package resolver propagates contract addresses to the address resolver and to the caches of
// every contract that looks its dependencies up through it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
)

const (
	// DefaultResolverName is the registry name of the address resolver.
	DefaultResolverName = "AddressResolver"
	// DefaultBatchSize is the number of addresses per import or rebuild transaction.
	DefaultBatchSize = 20
	// OVMBatchSize is the batch size on networks with a lower block gas ceiling.
	OVMBatchSize = 7
	// DefaultMaxConcurrency bounds the number of outstanding reads.
	DefaultMaxConcurrency = 10

	methodGetAddress           = "getAddress"
	methodAreAddressesImported = "areAddressesImported"
	methodImportAddresses      = "importAddresses"
	methodRebuildCaches        = "rebuildCaches"
)

// ErrResolverNotFound is returned when the registry holds no address resolver.
var ErrResolverNotFound = errors.New("address resolver not found in registry")

// Config configures a Synchronizer.
type Config struct {
	ResolverName     string
	ImportBatchSize  int
	RebuildBatchSize int
	// ImportGasLimit overrides the executor gas limit for import batches.
	ImportGasLimit uint64
	// RebuildGasLimit overrides the executor gas limit for rebuild batches.
	RebuildGasLimit uint64
	MaxConcurrency  int
}

func (c Config) withDefaults() Config {
	if c.ResolverName == "" {
		c.ResolverName = DefaultResolverName
	}
	if c.ImportBatchSize <= 0 {
		c.ImportBatchSize = DefaultBatchSize
	}
	if c.RebuildBatchSize <= 0 {
		c.RebuildBatchSize = DefaultBatchSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}

	return c
}

// Result describes what a sync did.
type Result struct {
	// Imported lists the names whose resolver entry was missing or stale, in import order.
	Imported []string
	Imports  []reconcile.Result
	// Rebuilt lists the contracts submitted for a cache rebuild.
	Rebuilt  []string
	Rebuilds []reconcile.Result
	// Deferred lists contracts not rebuilt because an import they need is waiting on the owner.
	Deferred []string
	// Dangling maps contracts to the required names that are not deployed. Those contracts
	// are left for a later run.
	Dangling map[string][]string
	Legacy   []reconcile.Result
}

// Staged reports whether any write was staged for the owner.
func (r *Result) Staged() bool {
	for _, results := range [][]reconcile.Result{r.Imports, r.Rebuilds, r.Legacy} {
		for _, res := range results {
			if res.Outcome == reconcile.Staged {
				return true
			}
		}
	}

	return false
}

// Synchronizer brings the address resolver and contract caches in line with the registry.
type Synchronizer struct {
	caller   evm.Caller
	exec     *reconcile.Executor
	registry *deployment.Registry
	cfg      Config
	lggr     logger.Logger
}

// New creates a Synchronizer. Reads go through caller, writes through exec.
func New(caller evm.Caller, exec *reconcile.Executor, registry *deployment.Registry, cfg Config, lggr logger.Logger) *Synchronizer {
	return &Synchronizer{
		caller:   caller,
		exec:     exec,
		registry: registry,
		cfg:      cfg.withDefaults(),
		lggr:     lggr.Named("resolver"),
	}
}

// requirement is a cache-rebuildable contract and the names it needs resolved.
type requirement struct {
	instance deployment.CacheRebuildable
	names    []string
	dangling []string
}

// importPair is a name to write to the resolver.
type importPair struct {
	name    string
	key     [32]byte
	address common.Address
}

// Sync runs the import pass, the rebuild pass and the legacy pass in that order.
func (s *Synchronizer) Sync(ctx context.Context) (*Result, error) {
	resolver, err := s.registry.Contract(s.cfg.ResolverName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolverNotFound, err)
	}

	result := &Result{Dangling: map[string][]string{}}

	reqs, err := s.requirements(ctx)
	if err != nil {
		return nil, err
	}

	pairs, err := s.missingImports(ctx, resolver, reqs, result)
	if err != nil {
		return nil, err
	}

	staged, err := s.importAddresses(ctx, resolver, pairs, result)
	if err != nil {
		return nil, err
	}

	if err := s.rebuildCaches(ctx, resolver, reqs, pairs, staged, result); err != nil {
		return nil, err
	}

	if err := s.legacy(ctx, resolver, result); err != nil {
		return nil, err
	}

	s.lggr.Infow("Resolver sync complete",
		"imported", len(result.Imported),
		"rebuilt", len(result.Rebuilt),
		"deferred", len(result.Deferred),
		"dangling", len(result.Dangling),
		"legacy", len(result.Legacy),
	)

	return result, nil
}

// requirements queries every cache-rebuildable contract for the names it needs, with bounded
// fan-out. The result is ordered by contract name.
func (s *Synchronizer) requirements(ctx context.Context) ([]*requirement, error) {
	var reqs []*requirement
	for _, inst := range s.registry.Instances() {
		if mixin, ok := inst.(deployment.CacheRebuildable); ok {
			reqs = append(reqs, &requirement{instance: mixin})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, req := range reqs {
		c := req.instance.Handle()
		if c.Placeholder {
			s.lggr.Debugw("Dry run: cannot query requirements of undeployed contract", "contract", c.Name)

			continue
		}
		g.Go(func() error {
			keys, err := req.instance.ResolverAddressesRequired(gctx, s.caller)
			if err != nil {
				return fmt.Errorf("resolver requirements of %s: %w", c.Name, err)
			}
			for _, k := range keys {
				req.names = append(req.names, deployment.FromBytes32(k))
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return reqs, nil
}

// missingImports unions the required names in stable order, records dangling ones and returns
// the pairs the resolver does not map to the registry address.
func (s *Synchronizer) missingImports(
	ctx context.Context, resolver deployment.Contract, reqs []*requirement, result *Result,
) ([]importPair, error) {
	var (
		seen       = map[string]bool{}
		candidates []importPair
	)
	for _, req := range reqs {
		name := req.instance.Handle().Name
		for _, n := range req.names {
			addr, err := s.registry.Address(n)
			if err != nil {
				req.dangling = append(req.dangling, n)

				continue
			}
			if seen[n] {
				continue
			}
			seen[n] = true
			candidates = append(candidates, importPair{name: n, key: deployment.ToBytes32(n), address: addr})
		}
		if len(req.dangling) > 0 {
			result.Dangling[name] = req.dangling
			s.lggr.Warnw("Skipping contract with undeployed dependencies", "contract", name, "missing", req.dangling)
		}
	}

	if resolver.Placeholder {
		return candidates, nil
	}

	current := make([]common.Address, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, p := range candidates {
		g.Go(func() error {
			out, err := s.caller.Call(gctx, resolver.Address, resolver.ABI, methodGetAddress, p.key)
			if err != nil {
				return fmt.Errorf("resolver lookup of %s: %w", p.name, err)
			}
			if len(out) > 0 {
				current[i], _ = out[0].(common.Address)
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pairs []importPair
	for i, p := range candidates {
		if current[i] != p.address {
			pairs = append(pairs, p)
		}
	}

	return pairs, nil
}

// importAddresses writes pairs to the resolver in batches and reports whether any batch was
// staged for the owner.
func (s *Synchronizer) importAddresses(
	ctx context.Context, resolver deployment.Contract, pairs []importPair, result *Result,
) (bool, error) {
	var staged bool
	for i, batch := range reconcile.Chunk(pairs, s.cfg.ImportBatchSize) {
		keys := make([][32]byte, len(batch))
		addrs := make([]common.Address, len(batch))
		names := make([]string, len(batch))
		for j, p := range batch {
			keys[j], addrs[j], names[j] = p.key, p.address, p.name
		}

		s.lggr.Debugw("Importing resolver batch", "batch", i, "names", names)

		res, err := s.exec.Execute(ctx, reconcile.Step{
			Contract:  resolver,
			Read:      methodAreAddressesImported,
			ReadArgs:  []any{keys, addrs},
			Expected:  reconcile.Equals(true),
			Write:     methodImportAddresses,
			WriteArgs: []any{keys, addrs},
			GasLimit:  s.cfg.ImportGasLimit,
			Comment:   fmt.Sprintf("Import %d addresses into %s", len(batch), resolver.Name),
		})
		if err != nil {
			return staged, fmt.Errorf("import batch %d: %w", i, err)
		}
		result.Imports = append(result.Imports, res)
		result.Imported = append(result.Imported, names...)
		if res.Outcome == reconcile.Staged {
			staged = true
		}
	}

	return staged, nil
}

// rebuildCaches rebuilds every out of date cache whose dependencies are all resolvable. When
// imports were staged, contracts needing any imported name wait for the owner.
func (s *Synchronizer) rebuildCaches(
	ctx context.Context,
	resolver deployment.Contract,
	reqs []*requirement,
	pairs []importPair,
	importsStaged bool,
	result *Result,
) error {
	imported := map[string]bool{}
	for _, p := range pairs {
		imported[p.name] = true
	}
	needsImport := func(req *requirement) bool {
		return slices.ContainsFunc(req.names, func(n string) bool { return imported[n] })
	}

	var eligible []*requirement
	for _, req := range reqs {
		if len(req.dangling) > 0 {
			continue
		}
		if importsStaged && needsImport(req) {
			result.Deferred = append(result.Deferred, req.instance.Handle().Name)
			s.lggr.Warnw("Deferring cache rebuild until staged imports are executed", "contract", req.instance.Handle().Name)

			continue
		}
		eligible = append(eligible, req)
	}

	stale := make([]bool, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, req := range eligible {
		c := req.instance.Handle()
		if c.Placeholder || (s.exec.DryRun() && needsImport(req)) {
			stale[i] = true

			continue
		}
		g.Go(func() error {
			cached, err := req.instance.IsResolverCached(gctx, s.caller)
			if err != nil {
				return fmt.Errorf("cache status of %s: %w", c.Name, err)
			}
			stale[i] = !cached

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var targets []deployment.Contract
	for i, req := range eligible {
		if stale[i] {
			targets = append(targets, req.instance.Handle())
		}
	}

	for i, batch := range reconcile.Chunk(targets, s.cfg.RebuildBatchSize) {
		addrs := make([]common.Address, len(batch))
		names := make([]string, len(batch))
		for j, c := range batch {
			addrs[j], names[j] = c.Address, c.Name
		}

		s.lggr.Debugw("Rebuilding caches", "batch", i, "contracts", names)

		res, err := s.exec.Execute(ctx, reconcile.Step{
			Contract:         resolver,
			Write:            methodRebuildCaches,
			WriteArgs:        []any{addrs},
			GasLimit:         s.cfg.RebuildGasLimit,
			PubliclyCallable: true,
		})
		if err != nil {
			return fmt.Errorf("rebuild batch %d: %w", i, err)
		}
		result.Rebuilds = append(result.Rebuilds, res)
		result.Rebuilt = append(result.Rebuilt, names...)
	}

	return nil
}

// legacy points every contract with a single resolver setter at the resolver.
func (s *Synchronizer) legacy(ctx context.Context, resolver deployment.Contract, result *Result) error {
	for _, inst := range s.registry.Instances() {
		l, ok := inst.(deployment.LegacyResolvable)
		if !ok {
			continue
		}
		c := l.Handle()

		step := reconcile.Step{
			Contract:  c,
			Write:     l.SetResolverMethod(),
			WriteArgs: []any{resolver.Address},
			Comment:   fmt.Sprintf("Point %s at %s", c.Name, resolver.Name),
		}
		if getter, ok := l.ResolverGetter(); ok {
			step.Read = getter
			step.Expected = reconcile.Equals(resolver.Address)
		}

		res, err := s.exec.Execute(ctx, step)
		if err != nil {
			return fmt.Errorf("legacy resolver of %s: %w", c.Name, err)
		}
		result.Legacy = append(result.Legacy, res)
	}

	return nil
}
