package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	chainsel "github.com/smartcontractkit/chain-selectors"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

// RPCChainProviderConfig holds the configuration to connect to an EVM node.
type RPCChainProviderConfig struct {
	// Required: the JSON-RPC endpoint of the node.
	RPCURL string
	// Optional: endpoints of the same chain to fail over to, in order.
	BackupRPCURLs []string
	// Required: the EVM chain id the endpoint is expected to serve.
	ChainID uint64
	// Required: the generator for the deployer key. Use TransactorFromRaw or TransactorFromKMS.
	DeployerTransactorGen SignerGenerator
	// Optional: how long to wait for a transaction to be mined. Defaults to 5 minutes.
	WaitMinedTimeout time.Duration
	// Optional: receipt polling interval. Defaults to 1 second.
	TickInterval time.Duration
	// Optional: defaults to a production logger.
	Logger logger.Logger
}

func (c RPCChainProviderConfig) validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if c.ChainID == 0 {
		return errors.New("chain id is required")
	}
	if c.DeployerTransactorGen == nil {
		return errors.New("deployer transactor generator is required")
	}

	return nil
}

// NewRPCChain dials the node, checks that it serves the configured chain id and returns a
// Chain ready for use by a ContractClient.
func NewRPCChain(ctx context.Context, config RPCChainProviderConfig) (evm.Chain, error) {
	if err := config.validate(); err != nil {
		return evm.Chain{}, fmt.Errorf("failed to validate provider config: %w", err)
	}

	lggr := config.Logger
	if lggr == nil {
		var err error
		if lggr, err = logger.New(); err != nil {
			return evm.Chain{}, fmt.Errorf("failed to create default logger: %w", err)
		}
	}

	details, ok := chainsel.ChainByEvmChainID(config.ChainID)
	if !ok {
		return evm.Chain{}, fmt.Errorf("unknown evm chain id %d", config.ChainID)
	}

	client, err := dial(ctx, lggr, config)
	if err != nil {
		return evm.Chain{}, err
	}

	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()

		return evm.Chain{}, fmt.Errorf("failed to read chain id from node: %w", err)
	}
	if remoteID.Uint64() != config.ChainID {
		client.Close()

		return evm.Chain{}, fmt.Errorf("node serves chain id %s, expected %d", remoteID, config.ChainID)
	}

	chainID := new(big.Int).SetUint64(config.ChainID)
	deployerKey, err := config.DeployerTransactorGen.Generate(chainID)
	if err != nil {
		client.Close()

		return evm.Chain{}, fmt.Errorf("failed to generate deployer key: %w", err)
	}

	waitMined := config.WaitMinedTimeout
	if waitMined == 0 {
		waitMined = 5 * time.Minute
	}
	var confirmOpts []ConfirmOption
	if config.TickInterval > 0 {
		confirmOpts = append(confirmOpts, WithTickInterval(config.TickInterval))
	}

	lggr.Infow("Connected to chain", "chain", details.Name, "selector", details.Selector, "deployer", deployerKey.From.Hex())

	return evm.Chain{
		Selector:    details.Selector,
		Client:      client,
		DeployerKey: deployerKey,
		Confirm:     Confirmer(ctx, client, deployerKey.From, waitMined, confirmOpts...),
		SignHash:    config.DeployerTransactorGen.SignHash,
	}, nil
}

// rpcClient is an OnchainClient the provider can query for its chain id and close.
type rpcClient interface {
	evm.OnchainClient
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// dial connects to the single endpoint, or to every endpoint through a MultiClient when
// backups are configured.
func dial(ctx context.Context, lggr logger.Logger, config RPCChainProviderConfig) (rpcClient, error) {
	if len(config.BackupRPCURLs) == 0 {
		client, err := ethclient.DialContext(ctx, config.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", config.RPCURL, err)
		}

		return client, nil
	}

	urls := append([]string{config.RPCURL}, config.BackupRPCURLs...)
	client, err := evm.NewMultiClient(ctx, lggr, urls)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoints: %w", err)
	}

	return client, nil
}
