package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
)

// ErrReverted is returned by a confirm function when the transaction was mined but reverted.
var ErrReverted = errors.New("transaction reverted")

// ConfirmOption configures the confirm function built by Confirmer.
type ConfirmOption func(*confirmer)

// WithTickInterval sets how often the receipt is polled.
func WithTickInterval(interval time.Duration) ConfirmOption {
	return func(c *confirmer) {
		c.tickInterval = interval
	}
}

// Confirmer builds an evm.ConfirmFunc that polls for the receipt of a transaction until it is
// mined or waitMinedTimeout elapses. A reverted transaction is an error carrying the revert
// reason when the node can provide it.
func Confirmer(
	ctx context.Context, client evm.OnchainClient, from common.Address, waitMinedTimeout time.Duration, opts ...ConfirmOption,
) evm.ConfirmFunc {
	c := &confirmer{
		client:           client,
		from:             from,
		tickInterval:     1 * time.Second,
		waitMinedTimeout: waitMinedTimeout,
	}
	for _, o := range opts {
		o(c)
	}

	return func(tx *types.Transaction) (uint64, error) {
		return c.confirm(ctx, tx)
	}
}

type confirmer struct {
	client           evm.OnchainClient
	from             common.Address
	tickInterval     time.Duration
	waitMinedTimeout time.Duration
}

func (c *confirmer) confirm(ctx context.Context, tx *types.Transaction) (uint64, error) {
	if tx == nil {
		return 0, errors.New("tx was nil, nothing to confirm")
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.waitMinedTimeout)
	defer cancel()

	receipt, err := WaitMinedWithInterval(ctxTimeout, c.tickInterval, c.client, tx.Hash())
	if err != nil {
		return 0, fmt.Errorf("tx %s failed to confirm: %w", tx.Hash().Hex(), err)
	}

	blockNum := receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusSuccessful {
		return blockNum, nil
	}

	reason, err := revertReason(ctxTimeout, c.client, c.from, tx, receipt.BlockNumber)
	if err == nil && reason != "" {
		return blockNum, fmt.Errorf("tx %s: %w: %s", tx.Hash().Hex(), ErrReverted, reason)
	}

	return blockNum, fmt.Errorf("tx %s: %w, could not decode error reason", tx.Hash().Hex(), ErrReverted)
}

// WaitMinedWithInterval polls for a receipt every tick until one is found or ctx is done.
func WaitMinedWithInterval(ctx context.Context, tick time.Duration, b bind.DeployBackend, txHash common.Hash) (*types.Receipt, error) {
	queryTicker := time.NewTicker(tick)
	defer queryTicker.Stop()
	for {
		receipt, err := b.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-queryTicker.C:
		}
	}
}

// ContractCaller is the subset of a client needed to replay a reverted transaction.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// revertReason replays tx as a call at the block it was mined in and extracts the revert data
// from the returned error.
func revertReason(
	ctx context.Context, caller ContractCaller, from common.Address, tx *types.Transaction, blockNumber *big.Int,
) (string, error) {
	call := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Data:     tx.Data(),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
	}

	_, err := caller.CallContract(ctx, call, blockNumber)
	if err == nil {
		return "", fmt.Errorf("tx %s reverted with no reason", tx.Hash().Hex())
	}

	if data, ok := jsonErrorData(err); ok {
		return data, nil
	}

	return err.Error(), nil
}

// jsonErrorData returns the data field of a JSON-RPC error. The error type is private to
// go-ethereum so it is matched structurally.
func jsonErrorData(err error) (string, bool) {
	type jsonError interface {
		Error() string
		ErrorCode() int
		ErrorData() any
	}

	var jerr jsonError
	if !errors.As(err, &jerr) {
		return "", false
	}

	var data string
	if d := jerr.ErrorData(); d != nil {
		data = fmt.Sprintf("%s", d)
	}
	if data == "" {
		if strings.Contains(jerr.Error(), "missing trie node") {
			return "missing trie node, likely due to not using an archive node", true
		}

		return "", false
	}

	return data, true
}
