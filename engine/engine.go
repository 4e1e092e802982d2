// Package engine runs a complete reconciliation: safety checks, deployment, configuration
// routines and resolver synchronization, in that order.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/resolver"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/safety"
)

// ErrAborted is returned when the decision provider declines to proceed.
var ErrAborted = errors.New("run aborted")

// Decision is the answer of a DecisionFunc.
type Decision int

const (
	// Proceed continues the run.
	Proceed Decision = iota
	// Abort stops the run before anything is sent.
	Abort
)

// DecisionFunc is asked to confirm the run once the plan is known. Implementations may prompt
// an operator; headless runs use AlwaysProceed.
type DecisionFunc func(ctx context.Context, plan Plan) (Decision, error)

// AlwaysProceed is a DecisionFunc that never aborts.
func AlwaysProceed(context.Context, Plan) (Decision, error) {
	return Proceed, nil
}

// Plan describes what a run is about to do.
type Plan struct {
	Network        string
	DeploymentPath string
	Signer         string
	DryRun         bool
	// Deploy lists the contracts marked for deployment, in declaration order.
	Deploy []string
	// Reuse lists the contracts whose manifest address is reused.
	Reuse []string
}

// Options configures a run.
type Options struct {
	Network        string
	OVM            bool
	DeploymentPath string
	DryRun         bool
	FreshDeploy    bool
	// OverrideSafety logs safety violations instead of failing the run.
	OverrideSafety bool
	FrozenPrefixes []string
	// MethodCallGasLimit and DeployGasLimit are passed to the executor and deployer. Zero lets
	// the node estimate.
	MethodCallGasLimit uint64
	DeployGasLimit     uint64
	Resolver           resolver.Config
}

// Engine runs reconciliations against one chain.
type Engine struct {
	backend   evm.Backend
	artifacts deployment.ArtifactSource
	manifests deployment.ManifestStore
	actions   reconcile.OwnerActionStore
	opts      Options
	lggr      logger.Logger

	decide   DecisionFunc
	routines []Routine
	checkers []safety.Checker
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecision sets the decision provider. Defaults to AlwaysProceed.
func WithDecision(fn DecisionFunc) Option {
	return func(e *Engine) {
		e.decide = fn
	}
}

// WithRoutines appends configuration routines, run in the given order after deployment.
func WithRoutines(routines ...Routine) Option {
	return func(e *Engine) {
		e.routines = append(e.routines, routines...)
	}
}

// WithCheckers replaces the default safety checkers.
func WithCheckers(checkers ...safety.Checker) Option {
	return func(e *Engine) {
		e.checkers = checkers
	}
}

// New creates an Engine.
func New(
	backend evm.Backend,
	artifacts deployment.ArtifactSource,
	manifests deployment.ManifestStore,
	actions reconcile.OwnerActionStore,
	opts Options,
	lggr logger.Logger,
	options ...Option,
) *Engine {
	e := &Engine{
		backend:   backend,
		artifacts: artifacts,
		manifests: manifests,
		actions:   actions,
		opts:      opts,
		lggr:      lggr.Named("engine"),
		decide:    AlwaysProceed,
		checkers:  safety.DefaultCheckers,
	}
	for _, opt := range options {
		opt(e)
	}

	return e
}

// Summary is the outcome of a run.
type Summary struct {
	RunID  uuid.UUID
	DryRun bool
	// NewContracts are the contracts created in this run. In a dry run they carry placeholder
	// addresses.
	NewContracts []deployment.DeploymentRecord
	Steps        reconcile.Summary
	Reports      []reconcile.Report
	// Resolver is nil when the deployment has no address resolver.
	Resolver *resolver.Result
	// OwnerActions are the staged actions still waiting for the owner. Stages of a dry run are
	// not persisted and only show up in Steps.
	OwnerActions []reconcile.OwnerAction
}

// Run reconciles entries against the chain. The returned Summary is populated as far as the
// run got, also when an error is returned.
func (e *Engine) Run(ctx context.Context, entries []deployment.ConfigEntry) (*Summary, error) {
	summary := &Summary{RunID: uuid.New(), DryRun: e.opts.DryRun}
	lggr := e.lggr.With("run", summary.RunID.String())

	manifest, err := e.manifests.Load(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load manifest: %w", err)
	}

	err = safety.Run(safety.Input{
		Network:        e.opts.Network,
		OVM:            e.opts.OVM,
		DeploymentPath: e.opts.DeploymentPath,
		Entries:        entries,
		Manifest:       manifest,
		FreshDeploy:    e.opts.FreshDeploy,
		FrozenPrefixes: e.opts.FrozenPrefixes,
	}, e.opts.OverrideSafety, lggr, e.checkers...)
	if err != nil {
		return summary, err
	}

	plan := e.plan(entries)
	decision, err := e.decide(ctx, plan)
	if err != nil {
		return summary, fmt.Errorf("failed to confirm run: %w", err)
	}
	if decision != Proceed {
		lggr.Warnw("Run aborted before sending anything", "network", e.opts.Network)

		return summary, ErrAborted
	}

	lggr.Infow("Starting run",
		"network", e.opts.Network,
		"signer", plan.Signer,
		"deploy", len(plan.Deploy),
		"reuse", len(plan.Reuse),
		"dryRun", e.opts.DryRun,
	)

	registry := deployment.NewRegistry()
	deployer := deployment.NewDeployer(e.backend, e.artifacts, e.manifests, registry, deployment.DeployerConfig{
		Network:  e.opts.Network,
		DryRun:   e.opts.DryRun,
		GasLimit: e.opts.DeployGasLimit,
	}, lggr)

	reporter := reconcile.NewMemoryReporter()
	exec := reconcile.NewExecutor(e.backend, e.actions, reconcile.ExecutorConfig{
		DryRun:   e.opts.DryRun,
		GasLimit: e.opts.MethodCallGasLimit,
	}, lggr, reconcile.WithReporter(reporter))

	defer func() {
		summary.NewContracts = deployer.NewContractsDeployed()
		summary.Reports, _ = reporter.GetReports()
		summary.Steps = reconcile.Summarize(summary.Reports)
	}()

	if err = deployer.Run(ctx, entries, manifest); err != nil {
		return summary, err
	}

	env := Env{
		Registry: registry,
		Executor: exec,
		Caller:   e.backend,
		Logger:   lggr,
	}
	for _, r := range e.routines {
		lggr.Infow("Running configuration routine", "routine", r.Name())
		if err = r.Run(ctx, env); err != nil {
			return summary, fmt.Errorf("routine %s: %w", r.Name(), err)
		}
	}

	resolverName := e.opts.Resolver.ResolverName
	if resolverName == "" {
		resolverName = resolver.DefaultResolverName
	}
	if registry.Has(resolverName) {
		sync := resolver.New(e.backend, exec, registry, e.opts.Resolver, lggr)
		if summary.Resolver, err = sync.Sync(ctx); err != nil {
			return summary, fmt.Errorf("resolver sync: %w", err)
		}
	} else {
		lggr.Infow("No address resolver deployed, skipping resolver sync", "resolver", resolverName)
	}

	if summary.OwnerActions, err = e.actions.Pending(ctx); err != nil {
		return summary, fmt.Errorf("failed to list owner actions: %w", err)
	}

	return summary, nil
}

func (e *Engine) plan(entries []deployment.ConfigEntry) Plan {
	p := Plan{
		Network:        e.opts.Network,
		DeploymentPath: e.opts.DeploymentPath,
		Signer:         e.backend.From().Hex(),
		DryRun:         e.opts.DryRun,
	}
	for _, entry := range entries {
		if entry.Deploy {
			p.Deploy = append(p.Deploy, entry.Name)
		} else {
			p.Reuse = append(p.Reuse, entry.Name)
		}
	}

	return p
}
