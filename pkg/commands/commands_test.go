package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/config"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/internal/testutils"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/store"
)

const (
	testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	sepoliaChainID  = 11155111
	mainnetChainID  = 1
	optimismChainID = 10

	ownedABIJSON = `[
		{"type":"function","name":"owner","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"nominatedOwner","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"nominateNewOwner","inputs":[{"name":"_owner","type":"address"}],"outputs":[],"stateMutability":"nonpayable"},
		{"type":"function","name":"acceptOwnership","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
	]`
	settableABIJSON = `[
		{"type":"function","name":"owner","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"getX","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
		{"type":"function","name":"setX","inputs":[{"name":"x","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}
	]`
	relayABIJSON = `[
		{"type":"function","name":"owner","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"initiateRelayBatch","inputs":[{"name":"targets","type":"address[]"},{"name":"payloads","type":"bytes[]"},{"name":"crossDomainGasLimit","type":"uint32"}],"outputs":[],"stateMutability":"nonpayable"}
	]`
)

var testSigner = testutils.Address(0x51)

// env is a workspace with a build directory, a deployment config and a run configuration
// pointing at a sepolia deployment inside a temp dir.
type env struct {
	dir    string
	cfg    *config.Config
	chains map[uint64]*testutils.FakeChain
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	e := &env{
		dir: dir,
		cfg: &config.Config{
			Network:        "sepolia",
			DeploymentPath: filepath.Join(dir, "deployed", "sepolia"),
			RPCURL:         "http://localhost:8545",
			ChainID:        sepoliaChainID,
			Signer:         config.SignerConfig{PrivateKey: testPrivateKey},
		},
		chains: map[uint64]*testutils.FakeChain{},
	}

	sepolia := testutils.NewFakeChain(testSigner)
	sepolia.OnDeploy = func(c *testutils.FakeContract, _ []any) {
		c.Var("getX", "setX", big.NewInt(3)).Returns("owner", testSigner)
	}
	e.chains[sepoliaChainID] = sepolia

	artifact, err := json.Marshal(map[string]any{
		"abi":       json.RawMessage(settableABIJSON),
		"bytecode":  "0x6080",
		"timestamp": "2024-05-01T00:00:00Z",
	})
	require.NoError(t, err)
	e.write(t, "build/Settable.json", string(artifact))
	e.write(t, "deploy.json", `{"A": {"deploy": true, "source": "Settable"}}`)
	e.write(t, "settings.yml", "- contract: A\n  read: getX\n  write: setX\n  args: [7]\n")

	return e
}

func (e *env) write(t *testing.T, name, content string) {
	t.Helper()

	path := filepath.Join(e.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func (e *env) path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *env) deps() Deps {
	return Deps{
		ConfigLoader: func(string) (*config.Config, error) {
			return e.cfg, nil
		},
		ChainLoader: func(_ context.Context, ep Endpoint, _ *config.Config, _ logger.Logger) (*Chain, error) {
			return &Chain{Backend: e.chains[ep.ChainID], Close: func() {}}, nil
		},
	}
}

// execute runs the root command with args and stdin, returning the combined output.
func (e *env) execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := NewWithDeps(logger.Test(t), e.deps()).Root()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.ExecuteContext(t.Context())

	return out.String(), err
}

func (e *env) deployArgs(extra ...string) []string {
	return append([]string{
		"deploy",
		"--build-path", e.path("build"),
		"--deploy-config", e.path("deploy.json"),
	}, extra...)
}

func TestNew(t *testing.T) {
	t.Parallel()

	lggr := logger.Nop()
	cmds := New(lggr)

	require.NotNil(t, cmds)
	assert.Equal(t, lggr, cmds.lggr)
	assert.NotNil(t, cmds.deps.ConfigLoader)
	assert.NotNil(t, cmds.deps.ChainLoader)
	assert.NotNil(t, cmds.deps.StoresLoader)
}

func TestCommands_Root(t *testing.T) {
	t.Parallel()

	root := New(logger.Nop()).Root()
	assert.Equal(t, "reconciler", root.Use)

	uses := make([]string, 0, len(root.Commands()))
	for _, sub := range root.Commands() {
		uses = append(uses, sub.Use)
	}
	assert.ElementsMatch(t, []string{"deploy", "owner-actions", "relay-ownership"}, uses)
}

func TestCommands_Deploy_Flags(t *testing.T) {
	t.Parallel()

	cmd := New(logger.Nop()).Deploy()

	c := cmd.Flags().Lookup("config")
	require.NotNil(t, c)
	assert.Equal(t, "c", c.Shorthand)
	assert.Equal(t, DefaultConfigFile, c.Value.String())

	for _, name := range []string{"build-path", "deploy-config", "settings", "dry-run", "fresh-deploy", "override-safety", "yes"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestCommands_Deploy_MissingRequiredFlags(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	_, err := e.execute(t, "", "deploy", "--build-path", e.path("build"))
	require.ErrorContains(t, err, `required flag(s) "deploy-config" not set`)
}

func TestCommands_Deploy(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	chain := e.chains[sepoliaChainID]

	out, err := e.execute(t, "", e.deployArgs("--settings", e.path("settings.yml"), "--yes")...)
	require.NoError(t, err)

	require.Len(t, chain.Deploys(), 1)
	addr := chain.Deploys()[0].Address
	assert.Contains(t, out, addr.Hex())
	assert.Contains(t, out, e.cfg.DeploymentPath)
	assert.Len(t, chain.TransactionsTo("setX"), 1)

	m, err := store.NewFileManifestStore(e.cfg.DeploymentPath).Load(t.Context())
	require.NoError(t, err)
	rec, ok := m.Record("A")
	require.True(t, ok)
	assert.Equal(t, addr, rec.Address)
	assert.Equal(t, "sepolia", rec.Network)
}

func TestCommands_Deploy_Abort(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	out, err := e.execute(t, "n\n", e.deployArgs()...)
	require.NoError(t, err)

	assert.Contains(t, out, "Continue [y/N]")
	assert.Contains(t, out, "Aborted, nothing was sent.")
	assert.Empty(t, e.chains[sepoliaChainID].Deploys())
	assert.NoFileExists(t, filepath.Join(e.cfg.DeploymentPath, store.ManifestFile))
}

func TestCommands_Deploy_Confirmed(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	_, err := e.execute(t, "yes\n", e.deployArgs()...)
	require.NoError(t, err)

	assert.Len(t, e.chains[sepoliaChainID].Deploys(), 1)
	assert.FileExists(t, filepath.Join(e.cfg.DeploymentPath, store.ManifestFile))
}

func TestCommands_Deploy_DryRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	out, err := e.execute(t, "", e.deployArgs("--dry_run", "--yes")...)
	require.NoError(t, err)

	assert.Contains(t, out, deployment.PlaceholderAddress("A").Hex())
	assert.Contains(t, out, "Dry run: nothing was sent.")
	assert.Empty(t, e.chains[sepoliaChainID].Deploys())
	assert.NoFileExists(t, filepath.Join(e.cfg.DeploymentPath, store.ManifestFile))
}

func TestCommands_Deploy_SafetyViolation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.DeploymentPath = filepath.Join(e.dir, "deployed", "mainnet")

	_, err := e.execute(t, "", e.deployArgs("--yes")...)
	require.ErrorContains(t, err, "deployment path does not match network")
	assert.Empty(t, e.chains[sepoliaChainID].Deploys())
}

func TestCommands_Deploy_InvalidConfig(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.Signer = config.SignerConfig{}

	_, err := e.execute(t, "", e.deployArgs("--yes")...)
	require.ErrorIs(t, err, config.ErrInvalidSigner)
}

func TestCommands_OwnerActions(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	actions := store.NewFileOwnerActionStore(e.cfg.DeploymentPath)
	_, err := actions.Append(t.Context(), reconcile.OwnerAction{
		Key:    "A.setX(7)",
		Target: testutils.Address(0xa),
		Action: "A.setX",
		Data:   []byte{0x01, 0x02},
	})
	require.NoError(t, err)

	out, err := e.execute(t, "", "owner-actions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "A.setX(7)")

	_, err = e.execute(t, "", "owner-actions", "complete", "--key", "A.setX(8)")
	require.ErrorIs(t, err, reconcile.ErrOwnerActionNotFound)

	out, err = e.execute(t, "", "owner-actions", "complete", "--key", "A.setX(7)")
	require.NoError(t, err)
	assert.Contains(t, out, "Marked A.setX(7) as complete")

	pending, err := actions.Pending(t.Context())
	require.NoError(t, err)
	assert.Empty(t, pending)

	out, err = e.execute(t, "", "owner-actions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No owner actions.")

	out, err = e.execute(t, "", "owner-actions", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "A.setX(7)")
}

func Test_parseRelayAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		give    string
		want    string
		wantErr string
	}{
		{give: "nominate", want: "nominateNewOwner"},
		{give: "Accept", want: "acceptOwnership"},
		{give: "transfer", wantErr: `invalid action "transfer"`},
	}

	for _, tt := range tests {
		t.Run(tt.give, func(t *testing.T) {
			t.Parallel()

			got, err := parseRelayAction(tt.give)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func Test_normalizeFlagName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		give string
		want string
	}{
		{give: "dry_run", want: "dry-run"},
		{give: "override_safety", want: "override-safety"},
		{give: "yes", want: "yes"},
	}

	for _, tt := range tests {
		t.Run(tt.give, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, string(normalizeFlagName(nil, tt.give)))
		})
	}
}

func TestCommands_RelayOwnership(t *testing.T) {
	t.Parallel()

	var (
		relayAddr = testutils.Address(0x7e1a)
		issuer    = testutils.Address(0x1550e)
		exchanger = testutils.Address(0xe8c)
		settable  = testutils.Address(0x5e7)
		desired   = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	)

	e := newEnv(t)
	e.cfg.Network = "mainnet-ovm"
	e.cfg.ChainID = optimismChainID
	e.cfg.DeploymentPath = filepath.Join(e.dir, "deployed", "mainnet-ovm")
	e.cfg.Relay = config.RelayConfig{
		DeploymentPath: filepath.Join(e.dir, "deployed", "mainnet"),
		RPCURL:         "http://localhost:8546",
		ChainID:        mainnetChainID,
	}

	primary := testutils.NewFakeChain(testSigner)
	primary.Register(relayAddr, testutils.OwnerRelayABI).
		Returns("owner", testSigner).
		Returns("initiateRelayBatch")
	secondary := testutils.NewFakeChain(testSigner)
	secondary.Register(issuer, testutils.OwnedABI).
		Returns("owner", testSigner).
		Returns("nominatedOwner", common.Address{})
	secondary.Register(exchanger, testutils.OwnedABI).
		Returns("owner", testSigner).
		Returns("nominatedOwner", desired)
	e.chains[mainnetChainID] = primary
	e.chains[optimismChainID] = secondary

	primaryManifest := deployment.NewManifest()
	primaryManifest.Put(deployment.DeploymentRecord{Name: DefaultRelayContract, Source: "OwnerRelay", Address: relayAddr}, json.RawMessage(relayABIJSON))
	require.NoError(t, store.NewFileManifestStore(e.cfg.Relay.DeploymentPath).Save(t.Context(), primaryManifest))

	secondaryManifest := deployment.NewManifest()
	secondaryManifest.Put(deployment.DeploymentRecord{Name: "Issuer", Source: "Owned", Address: issuer}, json.RawMessage(ownedABIJSON))
	secondaryManifest.Put(deployment.DeploymentRecord{Name: "Exchanger", Source: "Owned", Address: exchanger}, nil)
	secondaryManifest.Put(deployment.DeploymentRecord{Name: "Settable", Source: "Settable", Address: settable}, json.RawMessage(settableABIJSON))
	require.NoError(t, store.NewFileManifestStore(e.cfg.DeploymentPath).Save(t.Context(), secondaryManifest))

	out, err := e.execute(t, "", "relay-ownership", "--action", "nominate", "--desired-owner", desired.Hex(), "--yes")
	require.NoError(t, err)

	assert.Contains(t, out, "on 2 contracts")
	assert.Contains(t, out, "Already done: Exchanger")

	txs := primary.TransactionsTo("initiateRelayBatch")
	require.Len(t, txs, 1)
	assert.Equal(t, []common.Address{issuer}, txs[0].Args[0])
	assert.Empty(t, secondary.Transactions())
}

func TestCommands_RelayOwnership_UnsupportedContract(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.Relay = config.RelayConfig{
		DeploymentPath: filepath.Join(e.dir, "deployed", "mainnet"),
		RPCURL:         "http://localhost:8546",
		ChainID:        mainnetChainID,
	}

	primaryManifest := deployment.NewManifest()
	primaryManifest.Put(deployment.DeploymentRecord{Name: DefaultRelayContract, Source: "OwnerRelay", Address: testutils.Address(1)}, json.RawMessage(relayABIJSON))
	require.NoError(t, store.NewFileManifestStore(e.cfg.Relay.DeploymentPath).Save(t.Context(), primaryManifest))

	secondaryManifest := deployment.NewManifest()
	secondaryManifest.Put(deployment.DeploymentRecord{Name: "Settable", Source: "Settable", Address: testutils.Address(2)}, json.RawMessage(settableABIJSON))
	require.NoError(t, store.NewFileManifestStore(e.cfg.DeploymentPath).Save(t.Context(), secondaryManifest))

	_, err := e.execute(t, "", "relay-ownership", "--action", "accept", "--desired-owner", testSigner.Hex(),
		"--contracts", "Settable", "--yes")
	require.ErrorContains(t, err, "Settable does not support acceptOwnership")
}

func TestCommands_RelayOwnership_MissingRelayConfig(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	_, err := e.execute(t, "", "relay-ownership", "--action", "accept", "--desired-owner", testSigner.Hex(), "--yes")
	require.ErrorContains(t, err, "relay.deployment_path is required")
}
