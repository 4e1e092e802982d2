package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/internal/testutils"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/safe"
)

var (
	testSigner   = testutils.Address(0x51)
	testDesired  = testutils.Address(0xd0)
	testSafeAddr = testutils.Address(0x5afe)
	relayAddr    = testutils.Address(0x1e1a)
)

type fixture struct {
	primary   *testutils.FakeChain
	secondary *testutils.FakeChain
	relay     deployment.Contract
	exec      *reconcile.Executor
	actions   *reconcile.MemoryOwnerActionStore
}

func newFixture(t *testing.T, relayOwner common.Address, dryRun bool) *fixture {
	t.Helper()

	f := &fixture{
		primary:   testutils.NewFakeChain(testSigner),
		secondary: testutils.NewFakeChain(testSigner),
		relay:     deployment.Contract{Name: "OwnerRelayOnEthereum", Address: relayAddr, ABI: testutils.OwnerRelayABI},
		actions:   reconcile.NewMemoryOwnerActionStore(),
	}
	f.primary.Register(relayAddr, testutils.OwnerRelayABI).
		Returns("owner", relayOwner).
		Handle("initiateRelayBatch", func(common.Address, []any) ([]any, error) { return nil, nil })
	f.exec = reconcile.NewExecutor(f.primary, f.actions, reconcile.ExecutorConfig{DryRun: dryRun}, logger.Test(t))

	return f
}

// target places an owned contract on the secondary chain.
func (f *fixture) target(name string, n uint64, owner, nominated common.Address) deployment.Contract {
	addr := testutils.Address(n)
	f.secondary.Register(addr, testutils.OwnedABI).
		Returns("owner", owner).
		Returns("nominatedOwner", nominated)

	return deployment.Contract{Name: name, Address: addr, ABI: testutils.OwnedABI}
}

func (f *fixture) bridge(t *testing.T, stager *safe.Stager, maxBatch int) *Bridge {
	t.Helper()

	b, err := NewBridge(f.primary, f.secondary, f.exec, stager, Config{Relay: f.relay, MaxBatchSize: maxBatch}, logger.Test(t))
	require.NoError(t, err)

	return b
}

func Test_Bridge_Nominate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testSigner, false)
	targets := []deployment.Contract{
		f.target("Issuer", 1, testDesired, common.Address{}),
		f.target("Exchanger", 2, testSigner, testDesired),
		f.target("SystemSettings", 3, testSigner, common.Address{}),
	}

	res, err := f.bridge(t, nil, 0).Run(t.Context(), Nominate, testDesired, targets)
	require.NoError(t, err)

	assert.Equal(t, []string{"Issuer", "Exchanger"}, res.Skipped)
	require.Len(t, res.Batches, 1)
	require.NotNil(t, res.Batches[0].Step)
	assert.Equal(t, reconcile.Applied, res.Batches[0].Step.Outcome)

	wantPayload, err := testutils.OwnedABI.Pack("nominateNewOwner", testDesired)
	require.NoError(t, err)

	txs := f.primary.TransactionsTo("initiateRelayBatch")
	require.Len(t, txs, 1)
	assert.Equal(t, []common.Address{testutils.Address(3)}, txs[0].Args[0])
	assert.Equal(t, [][]byte{wantPayload}, txs[0].Args[1])
	assert.Equal(t, uint32(DefaultCrossDomainGasLimit), txs[0].Args[2])
}

func Test_Bridge_Accept(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testSigner, false)
	targets := []deployment.Contract{
		f.target("Issuer", 1, testSigner, testDesired),
		f.target("Exchanger", 2, testSigner, common.Address{}),
		f.target("SystemSettings", 3, testDesired, common.Address{}),
	}

	res, err := f.bridge(t, nil, 0).Run(t.Context(), Accept, testDesired, targets)
	require.NoError(t, err)

	assert.Equal(t, []string{"SystemSettings"}, res.Skipped)
	assert.Equal(t, []string{"Exchanger"}, res.NotNominated)
	require.Len(t, res.Batches, 1)
	require.Len(t, res.Batches[0].Items, 1)
	assert.Equal(t, "Issuer", res.Batches[0].Items[0].Name)
	assert.Equal(t, "acceptOwnership", res.Batches[0].Items[0].Method)
}

func Test_Bridge_SplitsBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testSigner, false)
	var targets []deployment.Contract
	for i := range uint64(5) {
		targets = append(targets, f.target("Synth", 10+i, testSigner, common.Address{}))
	}

	res, err := f.bridge(t, nil, 2).Run(t.Context(), Nominate, testDesired, targets)
	require.NoError(t, err)
	require.Len(t, res.Batches, 3)
	assert.Len(t, f.primary.TransactionsTo("initiateRelayBatch"), 3)
	assert.Len(t, res.Batches[2].Items, 1)
}

func Test_Bridge_StopsOnError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testSigner, false)
	var calls atomic.Int32
	f.primary.Contract(relayAddr).Handle("initiateRelayBatch", func(common.Address, []any) ([]any, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("out of gas")
		}

		return nil, nil
	})

	var targets []deployment.Contract
	for i := range uint64(3) {
		targets = append(targets, f.target("Synth", 10+i, testSigner, common.Address{}))
	}

	res, err := f.bridge(t, nil, 1).Run(t.Context(), Nominate, testDesired, targets)
	require.ErrorIs(t, err, reconcile.ErrTransactionFailed)
	require.ErrorContains(t, err, "relay batch 1")
	require.Len(t, res.Batches, 1)
	assert.Equal(t, reconcile.Applied, res.Batches[0].Step.Outcome)
}

func Test_Bridge_RelayOwnedByOtherAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutils.Address(0x0a), false)
	targets := []deployment.Contract{f.target("Issuer", 1, testSigner, common.Address{})}

	res, err := f.bridge(t, nil, 0).Run(t.Context(), Nominate, testDesired, targets)
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, reconcile.Staged, res.Batches[0].Step.Outcome)

	staged, err := f.actions.List(t.Context())
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, relayAddr, staged[0].Target)
}

// memoryService keeps proposals in memory and lists them as pending.
type memoryService struct {
	proposals []safe.StagedTransaction
}

func (m *memoryService) PendingTransactions(_ context.Context, _ common.Address, minNonce uint64) ([]safe.StagedTransaction, error) {
	var out []safe.StagedTransaction
	for _, p := range m.proposals {
		if p.Nonce >= minNonce {
			out = append(out, p)
		}
	}

	return out, nil
}

func (m *memoryService) Propose(_ context.Context, _ common.Address, tx safe.StagedTransaction) error {
	m.proposals = append(m.proposals, tx)

	return nil
}

type zeroSigner struct{}

func (zeroSigner) From() common.Address { return testSigner }

func (zeroSigner) SignHash([]byte) ([]byte, error) { return make([]byte, 65), nil }

func Test_Bridge_SafeOwnedRelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testSafeAddr, false)
	f.primary.Register(testSafeAddr, safe.ABI).
		Returns("nonce", common.Big1).
		Returns("getTransactionHash", [32]byte{0x42})

	svc := &memoryService{}
	stager := safe.NewStager(testSafeAddr, f.primary, svc, zeroSigner{}, logger.Test(t))
	targets := []deployment.Contract{f.target("Issuer", 1, testSigner, common.Address{})}

	b := f.bridge(t, stager, 0)

	res, err := b.Run(t.Context(), Nominate, testDesired, targets)
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	require.NotNil(t, res.Batches[0].Safe)
	assert.Equal(t, safe.Proposed, res.Batches[0].Safe.Outcome)
	assert.Equal(t, uint64(1), res.Batches[0].Safe.Tx.Nonce)
	assert.Empty(t, f.primary.Transactions())

	// Staging the same batch again finds the pending proposal.
	res, err = b.Run(t.Context(), Nominate, testDesired, targets)
	require.NoError(t, err)
	assert.Equal(t, safe.Duplicate, res.Batches[0].Safe.Outcome)
	assert.Len(t, svc.proposals, 1)
}

func Test_NewBridge_InvalidRelay(t *testing.T) {
	t.Parallel()

	chain := testutils.NewFakeChain(testSigner)
	exec := reconcile.NewExecutor(chain, reconcile.NewMemoryOwnerActionStore(), reconcile.ExecutorConfig{}, logger.Test(t))

	_, err := NewBridge(chain, chain, exec, nil, Config{Relay: deployment.Contract{Name: "Issuer", ABI: testutils.OwnedABI}}, logger.Test(t))
	require.ErrorIs(t, err, ErrInvalidRelay)
}
