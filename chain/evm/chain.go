package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	chainsel "github.com/smartcontractkit/chain-selectors"
)

// ConfirmFunc is a function that takes a transaction, waits for the transaction to be confirmed,
// and returns the block number and an error.
type ConfirmFunc func(tx *types.Transaction) (uint64, error)

// OnchainClient is an EVM chain client.
// For EVM specifically we can use existing geth interface to abstract chain clients.
type OnchainClient interface {
	bind.ContractBackend
	bind.DeployBackend

	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Chain represents the EVM chain the reconciler deploys to and configures.
type Chain struct {
	Selector uint64

	Client OnchainClient
	// DeployerKey signs every transaction the automation sends. The Signer function may be
	// backed by a raw key or an external key holder such as KMS.
	DeployerKey *bind.TransactOpts
	Confirm     ConfirmFunc

	// SignHash signs an arbitrary 32 byte hash with the deployer key. Used to sign multisig
	// transaction hashes.
	SignHash func([]byte) ([]byte, error)
}

// ChainSelector returns the chain selector of the chain
func (c Chain) ChainSelector() uint64 {
	return c.Selector
}

// From returns the address of the deployer key.
func (c Chain) From() common.Address {
	if c.DeployerKey == nil {
		return common.Address{}
	}

	return c.DeployerKey.From
}

// Name returns the canonical chain name, or the selector if the selector is unknown.
func (c Chain) Name() string {
	details, ok := chainsel.ChainBySelector(c.Selector)
	if !ok || details.Name == "" {
		return strconv.FormatUint(c.Selector, 10)
	}

	return details.Name
}

// String returns chain name and selector "<name> (<selector>)"
func (c Chain) String() string {
	return fmt.Sprintf("%s (%d)", c.Name(), c.Selector)
}
