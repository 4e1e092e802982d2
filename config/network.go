package config

import (
	"fmt"
	"strings"

	chainsel "github.com/smartcontractkit/chain-selectors"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/resolver"
)

// Network describes the chain a deployment targets.
type Network struct {
	// Name is the canonical chain name from chain-selectors.
	Name     string
	ChainID  uint64
	Selector uint64
	// OVM is set for optimistic rollups, which bound the size of resolver batches.
	OVM              bool
	ImportBatchSize  int
	RebuildBatchSize int
}

// NetworkFor resolves the network of an EVM chain id.
func NetworkFor(chainID uint64) (Network, error) {
	details, ok := chainsel.ChainByEvmChainID(chainID)
	if !ok {
		return Network{}, fmt.Errorf("unknown evm chain id %d", chainID)
	}

	ovm := strings.Contains(details.Name, "optimism")
	batch := resolver.DefaultBatchSize
	if ovm {
		batch = resolver.OVMBatchSize
	}

	return Network{
		Name:             details.Name,
		ChainID:          chainID,
		Selector:         details.Selector,
		OVM:              ovm,
		ImportBatchSize:  batch,
		RebuildBatchSize: batch,
	}, nil
}

// ResolveNetwork resolves the network of the configured chain id.
func (c *Config) ResolveNetwork() (Network, error) {
	return NetworkFor(c.ChainID)
}
