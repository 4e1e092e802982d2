// Package relay propagates ownership changes to contracts on a secondary chain through a relay
// contract on the primary chain.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/safe"
)

const (
	methodOwner              = "owner"
	methodNominatedOwner     = "nominatedOwner"
	methodNominateNewOwner   = "nominateNewOwner"
	methodAcceptOwnership    = "acceptOwnership"
	methodInitiateRelayBatch = "initiateRelayBatch"

	// DefaultCrossDomainGasLimit is the gas made available to each relayed batch on the
	// secondary chain.
	DefaultCrossDomainGasLimit = 3_000_000
	// DefaultMaxBatchSize is the number of targets per relay transaction.
	DefaultMaxBatchSize = 20
)

// ErrInvalidRelay is returned when the relay contract lacks the batch entry point.
var ErrInvalidRelay = errors.New("invalid relay contract")

// Action is the ownership change to relay.
type Action int

const (
	// Nominate nominates the desired account as the next owner.
	Nominate Action = iota
	// Accept makes the nominated desired account accept ownership.
	Accept
)

// String implements fmt.Stringer.
func (a Action) String() string {
	if a == Accept {
		return methodAcceptOwnership
	}

	return methodNominateNewOwner
}

// Config configures a Bridge.
type Config struct {
	// Relay is the relay contract on the primary chain.
	Relay               deployment.Contract
	CrossDomainGasLimit uint32
	MaxBatchSize        int
	// GasLimit of the relay transaction on the primary chain. Zero uses the executor default.
	GasLimit uint64
}

// Item is one call delivered to the secondary chain.
type Item struct {
	Name    string
	Target  common.Address
	Method  string
	Payload []byte
}

// BatchResult is the outcome of one relay submission. Exactly one of Step and Safe is set.
type BatchResult struct {
	Items []Item
	// Step is set when the batch went through the executor: sent, simulated or staged as an
	// owner action.
	Step *reconcile.Result
	// Safe is set when the batch was proposed to the Safe owning the relay.
	Safe *safe.StageResult
}

// Result is the outcome of a Bridge run.
type Result struct {
	// Skipped lists targets already in the desired state.
	Skipped []string
	// NotNominated lists targets that cannot accept because the desired account is not their
	// nominee.
	NotNominated []string
	Batches      []BatchResult
}

// Bridge relays ownership changes. Reads of the targets go to the secondary chain, the relay
// transaction is sent on the primary chain through exec, or proposed to stager when the relay
// is owned by that Safe.
type Bridge struct {
	secondary evm.Caller
	primary   evm.Caller
	exec      *reconcile.Executor
	stager    *safe.Stager
	cfg       Config
	lggr      logger.Logger
}

// NewBridge creates a Bridge. stager may be nil when the relay is not owned by a Safe.
func NewBridge(
	primary evm.Caller,
	secondary evm.Caller,
	exec *reconcile.Executor,
	stager *safe.Stager,
	cfg Config,
	lggr logger.Logger,
) (*Bridge, error) {
	if !cfg.Relay.HasMethod(methodInitiateRelayBatch) {
		return nil, fmt.Errorf("%w: %s has no %s", ErrInvalidRelay, cfg.Relay.Name, methodInitiateRelayBatch)
	}
	if !cfg.Relay.HasMethod(methodOwner) {
		return nil, fmt.Errorf("%w: %s has no %s", ErrInvalidRelay, cfg.Relay.Name, methodOwner)
	}
	if cfg.CrossDomainGasLimit == 0 {
		cfg.CrossDomainGasLimit = DefaultCrossDomainGasLimit
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}

	return &Bridge{
		primary:   primary,
		secondary: secondary,
		exec:      exec,
		stager:    stager,
		cfg:       cfg,
		lggr:      lggr.Named("relay"),
	}, nil
}

// Run brings targets to the state described by action and desired. Targets are filtered,
// batched in order and each batch is submitted independently. On error the batches already
// submitted are returned with it.
func (b *Bridge) Run(ctx context.Context, action Action, desired common.Address, targets []deployment.Contract) (*Result, error) {
	result := &Result{}

	items, err := b.filter(ctx, action, desired, targets, result)
	if err != nil {
		return result, err
	}
	if len(items) == 0 {
		b.lggr.Infow("Nothing to relay", "action", action.String(), "skipped", len(result.Skipped))

		return result, nil
	}

	relayOwner, err := b.relayOwner(ctx)
	if err != nil {
		return result, err
	}

	for i, batch := range reconcile.Chunk(items, b.cfg.MaxBatchSize) {
		br, err := b.dispatch(ctx, relayOwner, batch)
		if err != nil {
			return result, fmt.Errorf("relay batch %d: %w", i, err)
		}
		result.Batches = append(result.Batches, br)
	}

	return result, nil
}

// filter reads the owner and nominee of every target and returns the calls still needed.
func (b *Bridge) filter(
	ctx context.Context, action Action, desired common.Address, targets []deployment.Contract, result *Result,
) ([]Item, error) {
	var items []Item
	for _, t := range targets {
		owner, err := b.readAddress(ctx, b.secondary, t, methodOwner)
		if err != nil {
			return nil, err
		}
		nominated, err := b.readAddress(ctx, b.secondary, t, methodNominatedOwner)
		if err != nil {
			return nil, err
		}

		lggr := b.lggr.With("contract", t.Name, "owner", owner.Hex(), "nominated", nominated.Hex())

		var args []any
		switch {
		case owner == desired:
			lggr.Infow("Already owned by the desired account")
			result.Skipped = append(result.Skipped, t.Name)

			continue
		case action == Nominate && nominated == desired:
			lggr.Infow("Desired account already nominated")
			result.Skipped = append(result.Skipped, t.Name)

			continue
		case action == Accept && nominated != desired:
			lggr.Warnw("Cannot accept ownership: desired account is not nominated")
			result.NotNominated = append(result.NotNominated, t.Name)

			continue
		case action == Nominate:
			args = []any{desired}
		}

		payload, err := t.ABI.Pack(action.String(), args...)
		if err != nil {
			return nil, fmt.Errorf("encode %s for %s: %w", action, t.Name, err)
		}
		items = append(items, Item{Name: t.Name, Target: t.Address, Method: action.String(), Payload: payload})
	}

	return items, nil
}

func (b *Bridge) relayOwner(ctx context.Context) (common.Address, error) {
	if b.cfg.Relay.Placeholder {
		return b.exec.Signer(), nil
	}

	return b.readAddress(ctx, b.primary, b.cfg.Relay, methodOwner)
}

func (b *Bridge) dispatch(ctx context.Context, relayOwner common.Address, batch []Item) (BatchResult, error) {
	targets := make([]common.Address, len(batch))
	payloads := make([][]byte, len(batch))
	names := make([]string, len(batch))
	for i, it := range batch {
		targets[i], payloads[i], names[i] = it.Target, it.Payload, it.Name
	}
	args := []any{targets, payloads, b.cfg.CrossDomainGasLimit}

	if b.stager != nil && relayOwner == b.stager.Address() {
		data, err := b.cfg.Relay.ABI.Pack(methodInitiateRelayBatch, args...)
		if err != nil {
			return BatchResult{}, fmt.Errorf("encode %s: %w", methodInitiateRelayBatch, err)
		}

		if b.exec.DryRun() {
			b.lggr.Infow("Dry run: would propose relay batch to safe", "safe", relayOwner.Hex(), "targets", names)

			return BatchResult{Items: batch, Safe: &safe.StageResult{Tx: safe.StagedTransaction{To: b.cfg.Relay.Address, Data: data}}}, nil
		}

		staged, err := b.stager.Stage(ctx, b.cfg.Relay.Address, data)
		if err != nil {
			return BatchResult{}, err
		}
		b.lggr.Infow("Relay batch staged on safe", "outcome", staged.Outcome.String(), "nonce", staged.Tx.Nonce, "targets", names)

		return BatchResult{Items: batch, Safe: &staged}, nil
	}

	res, err := b.exec.Execute(ctx, reconcile.Step{
		Contract:  b.cfg.Relay,
		Write:     methodInitiateRelayBatch,
		WriteArgs: args,
		GasLimit:  b.cfg.GasLimit,
		Comment:   fmt.Sprintf("Relay %d ownership calls", len(batch)),
	})
	if err != nil {
		return BatchResult{}, err
	}
	b.lggr.Infow("Relay batch submitted", "outcome", res.Outcome.String(), "txHash", res.TxHash.Hex(), "targets", names)

	return BatchResult{Items: batch, Step: &res}, nil
}

func (b *Bridge) readAddress(ctx context.Context, caller evm.Caller, c deployment.Contract, method string) (common.Address, error) {
	out, err := caller.Call(ctx, c.Address, c.ABI, method)
	if err != nil {
		return common.Address{}, fmt.Errorf("read %s.%s: %w", c.Name, method, err)
	}
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("read %s.%s: empty output", c.Name, method)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("read %s.%s: unexpected output %v", c.Name, method, out[0])
	}

	return addr, nil
}
