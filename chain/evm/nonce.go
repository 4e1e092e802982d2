package evm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

// PendingNoncer reads the pending transaction count of an account.
type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates transaction nonces for a single sender account. It is the only
// component allowed to decide which nonce the next transaction from the account uses.
//
// The manager keeps a local counter and reconciles it against the node's pending nonce on
// every allocation, taking the larger of the two. A node that lags behind a burst of
// submissions therefore cannot hand out a nonce twice, and a node that has seen
// transactions sent from elsewhere moves the counter forward.
type NonceManager struct {
	mu      sync.Mutex
	source  PendingNoncer
	account common.Address
	next    uint64
	primed  bool
	lggr    logger.Logger
}

// NewNonceManager creates a NonceManager for account.
func NewNonceManager(source PendingNoncer, account common.Address, lggr logger.Logger) *NonceManager {
	return &NonceManager{
		source:  source,
		account: account,
		lggr:    lggr.Named("nonce"),
	}
}

// Account returns the account whose nonces are managed.
func (m *NonceManager) Account() common.Address {
	return m.account
}

// Next allocates the nonce for the next transaction and advances the counter.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.source.PendingNonceAt(ctx, m.account)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce for %s: %w", m.account.Hex(), err)
	}

	if !m.primed || pending > m.next {
		m.next = pending
		m.primed = true
	}

	nonce := m.next
	m.next++

	m.lggr.Debugw("Allocated nonce", "account", m.account.Hex(), "nonce", nonce, "pending", pending)

	return nonce, nil
}

// Reset discards the local counter so the next allocation starts from the node's pending
// nonce. Call it after a submission failed before reaching the mempool.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.primed = false
	m.next = 0
}
