package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

// Caller performs read-only contract calls.
type Caller interface {
	// Call invokes a view method and returns its unpacked outputs.
	Call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error)
}

// Transactor submits state changing transactions from a single account and waits for them
// to be included.
type Transactor interface {
	// From returns the account that signs every transaction.
	From() common.Address
	// Transact sends a method call transaction and blocks until it is confirmed. A gasLimit of
	// zero lets the node estimate gas.
	Transact(ctx context.Context, to common.Address, contractABI abi.ABI, method string, gasLimit uint64, args ...any) (common.Hash, error)
}

// ContractCreator submits contract creation transactions.
type ContractCreator interface {
	// Deploy sends a creation transaction and blocks until it is confirmed.
	Deploy(ctx context.Context, contractABI abi.ABI, bytecode []byte, gasLimit uint64, args ...any) (common.Address, common.Hash, error)
}

// Backend is everything the reconciler needs from a chain.
type Backend interface {
	Caller
	Transactor
	ContractCreator
}

var _ Backend = (*ContractClient)(nil)

// ErrNoDeployerKey is returned when a transaction is attempted on a chain without a signer.
var ErrNoDeployerKey = errors.New("chain has no deployer key")

// ClientOption configures a ContractClient.
type ClientOption func(*ContractClient)

// WithRetryAttempts sets how many times a read is attempted before giving up. Transactions
// are never retried.
func WithRetryAttempts(attempts uint) ClientOption {
	return func(c *ContractClient) {
		c.retryAttempts = attempts
	}
}

// WithRetryDelay sets the initial back off delay between read attempts.
func WithRetryDelay(delay time.Duration) ClientOption {
	return func(c *ContractClient) {
		c.retryDelay = delay
	}
}

// WithLogger sets the logger of the client.
func WithLogger(lggr logger.Logger) ClientOption {
	return func(c *ContractClient) {
		c.lggr = lggr
	}
}

// ContractClient talks to contracts on a Chain through go-ethereum bindings. Every transaction
// it sends takes its nonce from the chain's NonceManager and is confirmed before returning.
type ContractClient struct {
	chain  Chain
	nonces *NonceManager
	lggr   logger.Logger

	retryAttempts uint
	retryDelay    time.Duration
}

// NewContractClient creates a ContractClient for chain.
func NewContractClient(chain Chain, opts ...ClientOption) *ContractClient {
	c := &ContractClient{
		chain:         chain,
		lggr:          logger.Nop(),
		retryAttempts: 3,
		retryDelay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.lggr = c.lggr.Named("client").With("chain", chain.String())
	c.nonces = NewNonceManager(chain.Client, chain.From(), c.lggr)

	return c
}

// From returns the deployer key address.
func (c *ContractClient) From() common.Address {
	return c.chain.From()
}

// Nonces returns the nonce manager of the deployer account.
func (c *ContractClient) Nonces() *NonceManager {
	return c.nonces
}

// Call implements Caller. Reads are retried with back off.
func (c *ContractClient) Call(
	ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any,
) ([]any, error) {
	bound := bind.NewBoundContract(to, contractABI, c.chain.Client, c.chain.Client, c.chain.Client)

	var out []any
	err := retry.Do(
		func() error {
			out = nil

			return bound.Call(&bind.CallOpts{Context: ctx, From: c.From()}, &out, method, args...)
		},
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.lggr.Debugw("Retrying read", "to", to.Hex(), "method", method, "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}

	return out, nil
}

// Transact implements Transactor.
func (c *ContractClient) Transact(
	ctx context.Context, to common.Address, contractABI abi.ABI, method string, gasLimit uint64, args ...any,
) (common.Hash, error) {
	opts, err := c.transactOpts(ctx, gasLimit)
	if err != nil {
		return common.Hash{}, err
	}

	bound := bind.NewBoundContract(to, contractABI, c.chain.Client, c.chain.Client, c.chain.Client)
	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		c.nonces.Reset()

		return common.Hash{}, fmt.Errorf("send %s to %s: %w", method, to.Hex(), err)
	}

	c.lggr.Debugw("Sent transaction", "to", to.Hex(), "method", method, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())

	if _, err := c.chain.Confirm(tx); err != nil {
		c.nonces.Reset()

		return tx.Hash(), fmt.Errorf("confirm %s on %s: %w", method, to.Hex(), err)
	}

	return tx.Hash(), nil
}

// Deploy implements ContractCreator.
func (c *ContractClient) Deploy(
	ctx context.Context, contractABI abi.ABI, bytecode []byte, gasLimit uint64, args ...any,
) (common.Address, common.Hash, error) {
	opts, err := c.transactOpts(ctx, gasLimit)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}

	addr, tx, _, err := bind.DeployContract(opts, contractABI, bytecode, c.chain.Client, args...)
	if err != nil {
		c.nonces.Reset()

		return common.Address{}, common.Hash{}, fmt.Errorf("send creation transaction: %w", err)
	}

	if _, err := c.chain.Confirm(tx); err != nil {
		c.nonces.Reset()

		return common.Address{}, tx.Hash(), fmt.Errorf("confirm creation of %s: %w", addr.Hex(), err)
	}

	return addr, tx.Hash(), nil
}

// transactOpts copies the deployer key and fills in the allocated nonce.
func (c *ContractClient) transactOpts(ctx context.Context, gasLimit uint64) (*bind.TransactOpts, error) {
	if c.chain.DeployerKey == nil {
		return nil, ErrNoDeployerKey
	}

	nonce, err := c.nonces.Next(ctx)
	if err != nil {
		return nil, err
	}

	opts := *c.chain.DeployerKey
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	if gasLimit > 0 {
		opts.GasLimit = gasLimit
	}

	return &opts, nil
}
