package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

const methodOwner = "owner"

// Backend is what the Executor needs from a chain.
type Backend interface {
	evm.Caller
	evm.Transactor
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// DryRun replaces every write with a log line and a placeholder hash. Reads still happen.
	DryRun bool
	// GasLimit is the default gas limit of method calls. Zero lets the node estimate.
	GasLimit uint64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithReporter sets the reporter every step result is recorded to.
func WithReporter(r Reporter) ExecutorOption {
	return func(e *Executor) {
		e.reporter = r
	}
}

// Executor runs Steps. Steps are executed strictly in call order and each write is confirmed
// before Execute returns.
type Executor struct {
	backend  Backend
	actions  OwnerActionStore
	reporter Reporter
	cfg      ExecutorConfig
	lggr     logger.Logger

	simulated atomic.Uint64
}

// NewExecutor creates an Executor. Staged writes are appended to actions.
func NewExecutor(backend Backend, actions OwnerActionStore, cfg ExecutorConfig, lggr logger.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		backend:  backend,
		actions:  actions,
		reporter: NewMemoryReporter(),
		cfg:      cfg,
		lggr:     lggr.Named("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Reporter returns the reporter step results are recorded to.
func (e *Executor) Reporter() Reporter {
	return e.reporter
}

// DryRun reports whether writes are simulated.
func (e *Executor) DryRun() bool {
	return e.cfg.DryRun
}

// Signer returns the account writes are sent from.
func (e *Executor) Signer() common.Address {
	return e.backend.From()
}

// Execute evaluates step once.
//
// If the expectation already holds the result is Skipped and nothing is sent. Otherwise the
// write is Staged when it needs the owner and the signer is not the owner, Simulated in a dry
// run, and Applied when it was sent and confirmed.
func (e *Executor) Execute(ctx context.Context, step Step) (Result, error) {
	res, err := e.execute(ctx, step)
	if rerr := e.reporter.AddReport(NewReport(step, res, err)); rerr != nil {
		e.lggr.Warnw("Failed to record step report", "contract", step.Contract.Name, "err", rerr)
	}

	return res, err
}

// ExecuteAll runs steps in order and stops at the first error. The results of the steps run
// before the failure are returned with it.
func (e *Executor) ExecuteAll(ctx context.Context, steps ...Step) ([]Result, error) {
	results := make([]Result, 0, len(steps))
	for _, step := range steps {
		res, err := e.Execute(ctx, step)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	return results, nil
}

func (e *Executor) execute(ctx context.Context, step Step) (Result, error) {
	if err := step.validate(); err != nil {
		return Result{}, err
	}

	lggr := e.lggr.With("contract", step.Contract.Name, "method", step.Write)

	var res Result
	if step.conditional() {
		target := step.readTarget()
		if target.Placeholder {
			lggr.Debugw("Dry run: read target not deployed, assuming change needed", "read", step.Read)
		} else {
			values, err := e.read(ctx, target, step)
			if err != nil {
				return Result{}, err
			}
			res.ReadValue = values

			if step.Expected(values) {
				lggr.Infow("Step skipped: already configured", "read", step.Read, "value", formatArgs(values))
				res.Outcome = Skipped

				return res, nil
			}
			lggr.Debugw("Step needs a write", "read", step.Read, "value", formatArgs(values))
		}
	}

	if !step.PubliclyCallable && !step.Contract.Placeholder {
		owner, err := e.owner(ctx, step.Contract)
		if err != nil {
			return res, err
		}
		if owner != e.backend.From() {
			return e.stage(ctx, step, owner, res)
		}
	}

	if e.cfg.DryRun {
		res.Outcome = Simulated
		res.TxHash = common.BigToHash(new(big.Int).SetUint64(e.simulated.Add(1)))
		lggr.Infow("Dry run: would send transaction", "args", formatArgs(step.WriteArgs), "txHash", res.TxHash.Hex())

		return res, nil
	}

	gasLimit := step.GasLimit
	if gasLimit == 0 {
		gasLimit = e.cfg.GasLimit
	}

	hash, err := e.backend.Transact(ctx, step.Contract.Address, step.Contract.ABI, step.Write, gasLimit, step.WriteArgs...)
	if err != nil {
		lggr.Errorw("Transaction failed", "args", formatArgs(step.WriteArgs), "err", err)

		return res, fmt.Errorf("%w: %s.%s(%s): %w", ErrTransactionFailed, step.Contract.Name, step.Write, formatArgs(step.WriteArgs), err)
	}
	res.Outcome = Applied
	res.TxHash = hash
	lggr.Infow("Step applied", "args", formatArgs(step.WriteArgs), "txHash", hash.Hex())

	if step.conditional() && !step.SkipVerify && step.readTarget().Address == step.Contract.Address {
		if err := e.verify(ctx, step); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (e *Executor) read(ctx context.Context, target deployment.Contract, step Step) ([]any, error) {
	values, err := e.backend.Call(ctx, target.Address, target.ABI, step.Read, step.ReadArgs...)
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", target.Name, step.Read, err)
	}

	return values, nil
}

func (e *Executor) verify(ctx context.Context, step Step) error {
	values, err := e.read(ctx, step.Contract, step)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if !step.Expected(values) {
		return fmt.Errorf("%w: %s.%s returns %s after %s(%s)",
			ErrVerificationFailed, step.Contract.Name, step.Read, formatArgs(values), step.Write, formatArgs(step.WriteArgs))
	}

	return nil
}

func (e *Executor) owner(ctx context.Context, c deployment.Contract) (common.Address, error) {
	if !c.HasMethod(methodOwner) {
		return common.Address{}, fmt.Errorf("%w: %s requires the owner but has no owner()", ErrInvalidStep, c.Name)
	}

	out, err := e.backend.Call(ctx, c.Address, c.ABI, methodOwner)
	if err != nil {
		return common.Address{}, fmt.Errorf("read %s.owner: %w", c.Name, err)
	}
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("read %s.owner: empty output", c.Name)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("read %s.owner: unexpected output %v", c.Name, out[0])
	}

	return owner, nil
}

func (e *Executor) stage(ctx context.Context, step Step, owner common.Address, res Result) (Result, error) {
	data, err := step.Contract.ABI.Pack(step.Write, step.WriteArgs...)
	if err != nil {
		return res, fmt.Errorf("%w: encode %s.%s: %w", ErrInvalidStep, step.Contract.Name, step.Write, err)
	}

	action := OwnerAction{
		Key:     fmt.Sprintf("%s.%s(%s)", step.Contract.Name, step.Write, formatArgs(step.WriteArgs)),
		Target:  step.Contract.Address,
		Action:  step.Contract.Name + "." + step.Write,
		Data:    data,
		Comment: step.Comment,
	}
	res.Outcome = Staged
	res.Action = &action

	lggr := e.lggr.With("contract", step.Contract.Name, "method", step.Write, "owner", owner.Hex(), "key", action.Key)
	if e.cfg.DryRun {
		lggr.Infow("Dry run: would stage owner action")

		return res, nil
	}

	added, err := e.actions.Append(ctx, action)
	if err != nil {
		return res, fmt.Errorf("stage owner action %s: %w", action.Key, err)
	}
	if added {
		lggr.Infow("Owner action staged")
	} else {
		lggr.Infow("Owner action already staged")
	}

	return res, nil
}
