// Package reconcile converges on-chain configuration toward a target one step at a time.
//
// A Step reads the current value, compares it with the expectation and, only when they differ,
// either sends the write or stages it as an OwnerAction for the contract owner to execute.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
)

var (
	// ErrTransactionFailed is returned when a write could not be sent or confirmed.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrVerificationFailed is returned when a write landed but the value read back still does
	// not satisfy the expectation.
	ErrVerificationFailed = errors.New("post-write verification failed")
	// ErrInvalidStep is returned for a step that cannot be evaluated.
	ErrInvalidStep = errors.New("invalid step")
)

// Outcome is what executing a Step did.
type Outcome int

const (
	// Skipped means the expectation already held and nothing was sent.
	Skipped Outcome = iota
	// Applied means the write was sent and confirmed.
	Applied
	// Staged means the signer does not own the contract and the write was recorded as an
	// OwnerAction.
	Staged
	// Simulated means the write would have been sent but the run is a dry run.
	Simulated
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Applied:
		return "applied"
	case Staged:
		return "staged"
	case Simulated:
		return "simulated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Step describes one piece of target configuration.
type Step struct {
	// Contract receives the write.
	Contract deployment.Contract
	// ReadTarget, when set, is read instead of Contract. It lets a routine compare against a
	// previous version of a contract while writing to the new one.
	ReadTarget *deployment.Contract
	// Read is the view method returning the current value. With Expected it makes the step
	// conditional; without them the write is unconditional.
	Read     string
	ReadArgs []any
	// Expected reports whether the outputs of Read already match the target.
	Expected func(values []any) bool

	Write     string
	WriteArgs []any
	// GasLimit overrides the executor default for this write.
	GasLimit uint64
	// PubliclyCallable marks writes that do not require the contract owner.
	PubliclyCallable bool
	// Comment is stored on the OwnerAction when the write is staged.
	Comment string
	// SkipVerify disables reading the value back after an applied write.
	SkipVerify bool
}

// readTarget returns the contract Read is evaluated against.
func (s Step) readTarget() deployment.Contract {
	if s.ReadTarget != nil {
		return *s.ReadTarget
	}

	return s.Contract
}

func (s Step) conditional() bool {
	return s.Read != "" && s.Expected != nil
}

func (s Step) validate() error {
	if s.Write == "" {
		return fmt.Errorf("%w: %s has no write method", ErrInvalidStep, s.Contract.Name)
	}
	if (s.Read == "") != (s.Expected == nil) {
		return fmt.Errorf("%w: %s.%s needs both a read method and an expectation", ErrInvalidStep, s.Contract.Name, s.Write)
	}
	if !s.Contract.HasMethod(s.Write) {
		return fmt.Errorf("%w: %s has no method %s", ErrInvalidStep, s.Contract.Name, s.Write)
	}
	if s.Read != "" && !s.readTarget().HasMethod(s.Read) {
		return fmt.Errorf("%w: %s has no method %s", ErrInvalidStep, s.readTarget().Name, s.Read)
	}

	return nil
}

// Result is the outcome of executing a Step.
type Result struct {
	Outcome Outcome
	// TxHash is set for Applied and Simulated outcomes.
	TxHash common.Hash
	// Action is set for Staged outcomes.
	Action *OwnerAction
	// ReadValue holds the outputs of the initial read, if one was made.
	ReadValue []any
}

// Equals returns an expectation matching a read whose single output equals want. Integers of
// any width are compared by value, addresses by bytes.
func Equals(want any) func([]any) bool {
	return func(values []any) bool {
		if len(values) != 1 {
			return false
		}

		return sameValue(values[0], want)
	}
}
