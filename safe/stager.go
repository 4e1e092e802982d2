// Package safe stages transactions on a Gnosis Safe through its transaction service. Staging
// only proposes a transaction for co-signature; nothing is executed on chain.
package safe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

// ErrNonceRace is returned when another proposal took the nonce a transaction was signed for
// between signing and submission. Rerunning stages the transaction at the next nonce.
var ErrNonceRace = errors.New("safe nonce was taken by a concurrent proposal")

const origin = "chainlink-deployments-reconciler"

// ABI is the subset of the Safe interface the Stager reads.
var ABI = mustABI(`[
	{"type":"function","name":"nonce","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"getOwners","inputs":[],"outputs":[{"name":"","type":"address[]"}],"stateMutability":"view"},
	{"type":"function","name":"getTransactionHash","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"_nonce","type":"uint256"}
	],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"}
]`)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}

	return parsed
}

// Signer signs Safe transaction hashes.
type Signer interface {
	From() common.Address
	SignHash(hash []byte) ([]byte, error)
}

type chainSigner struct {
	chain evm.Chain
}

// ChainSigner signs with the deployer key of chain.
func ChainSigner(chain evm.Chain) Signer {
	return chainSigner{chain: chain}
}

func (s chainSigner) From() common.Address { return s.chain.From() }

func (s chainSigner) SignHash(hash []byte) ([]byte, error) {
	if s.chain.SignHash == nil {
		return nil, evm.ErrNoDeployerKey
	}

	return s.chain.SignHash(hash)
}

// StageOutcome is what Stage did.
type StageOutcome int

const (
	// Proposed means a new transaction was submitted to the service.
	Proposed StageOutcome = iota
	// Duplicate means an identical transaction is already pending.
	Duplicate
)

// String implements fmt.Stringer.
func (o StageOutcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}

	return "proposed"
}

// StageResult is the outcome of Stage.
type StageResult struct {
	Outcome StageOutcome
	Tx      StagedTransaction
}

// Stager proposes transactions to a single Safe.
type Stager struct {
	safe    common.Address
	caller  evm.Caller
	service TransactionService
	signer  Signer
	lggr    logger.Logger
}

// NewStager creates a Stager for the Safe at safe. On chain reads go through caller.
func NewStager(safe common.Address, caller evm.Caller, service TransactionService, signer Signer, lggr logger.Logger) *Stager {
	return &Stager{
		safe:    safe,
		caller:  caller,
		service: service,
		signer:  signer,
		lggr:    lggr.Named("safe").With("safe", safe.Hex()),
	}
}

// Address returns the Safe address.
func (s *Stager) Address() common.Address {
	return s.safe
}

// Owners returns the Safe owners.
func (s *Stager) Owners(ctx context.Context) ([]common.Address, error) {
	out, err := s.caller.Call(ctx, s.safe, ABI, "getOwners")
	if err != nil {
		return nil, fmt.Errorf("read safe owners: %w", err)
	}
	owners, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("read safe owners: unexpected output %v", out[0])
	}

	return owners, nil
}

// Stage proposes a call of data on to, unless an identical transaction is already pending at
// or above the current Safe nonce.
//
// The proposal takes the nonce after the highest pending one. The pending list is checked
// again just before submission and ErrNonceRace is returned if the nonce was taken meanwhile.
func (s *Stager) Stage(ctx context.Context, to common.Address, data []byte) (StageResult, error) {
	current, err := s.nonce(ctx)
	if err != nil {
		return StageResult{}, err
	}

	pending, err := s.service.PendingTransactions(ctx, s.safe, current)
	if err != nil {
		return StageResult{}, fmt.Errorf("list pending safe transactions: %w", err)
	}
	if dup, ok := findDuplicate(pending, to, data, current); ok {
		s.lggr.Infow("Safe transaction already pending", "to", to.Hex(), "nonce", dup.Nonce, "safeTxHash", dup.ContractTransactionHash.Hex())

		return StageResult{Outcome: Duplicate, Tx: dup}, nil
	}

	nonce := current
	for _, p := range pending {
		if p.Nonce >= nonce {
			nonce = p.Nonce + 1
		}
	}

	tx := StagedTransaction{
		Safe:      s.safe,
		To:        to,
		Value:     "0",
		Data:      data,
		Operation: Call,
		SafeTxGas: "0",
		BaseGas:   "0",
		GasPrice:  "0",
		Nonce:     nonce,
		Sender:    s.signer.From(),
		Origin:    origin,
	}

	hash, err := s.transactionHash(ctx, tx)
	if err != nil {
		return StageResult{}, err
	}
	tx.ContractTransactionHash = hash

	sig, err := s.signer.SignHash(hash.Bytes())
	if err != nil {
		return StageResult{}, fmt.Errorf("sign safe transaction hash: %w", err)
	}
	if len(sig) != 65 {
		return StageResult{}, fmt.Errorf("sign safe transaction hash: signature has %d bytes", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	tx.Signature = sig

	recheck, err := s.service.PendingTransactions(ctx, s.safe, current)
	if err != nil {
		return StageResult{}, fmt.Errorf("list pending safe transactions: %w", err)
	}
	if dup, ok := findDuplicate(recheck, to, data, current); ok {
		return StageResult{Outcome: Duplicate, Tx: dup}, nil
	}
	for _, p := range recheck {
		if p.Nonce >= nonce {
			return StageResult{}, fmt.Errorf("%w: nonce %d", ErrNonceRace, nonce)
		}
	}

	if err := s.service.Propose(ctx, s.safe, tx); err != nil {
		return StageResult{}, fmt.Errorf("propose safe transaction: %w", err)
	}

	s.lggr.Infow("Safe transaction proposed", "to", to.Hex(), "nonce", nonce, "safeTxHash", hash.Hex())

	return StageResult{Outcome: Proposed, Tx: tx}, nil
}

func findDuplicate(pending []StagedTransaction, to common.Address, data []byte, minNonce uint64) (StagedTransaction, bool) {
	for _, p := range pending {
		if p.To == to && bytes.Equal(p.Data, data) && p.Nonce >= minNonce {
			return p, true
		}
	}

	return StagedTransaction{}, false
}

func (s *Stager) nonce(ctx context.Context) (uint64, error) {
	out, err := s.caller.Call(ctx, s.safe, ABI, "nonce")
	if err != nil {
		return 0, fmt.Errorf("read safe nonce: %w", err)
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("read safe nonce: unexpected output %v", out[0])
	}

	return n.Uint64(), nil
}

func (s *Stager) transactionHash(ctx context.Context, tx StagedTransaction) (common.Hash, error) {
	zero := big.NewInt(0)
	out, err := s.caller.Call(ctx, s.safe, ABI, "getTransactionHash",
		tx.To, zero, []byte(tx.Data), uint8(tx.Operation), zero, zero, zero,
		tx.GasToken, tx.RefundReceiver, new(big.Int).SetUint64(tx.Nonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("read safe transaction hash: %w", err)
	}
	h, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("read safe transaction hash: unexpected output %v", out[0])
	}

	return h, nil
}
