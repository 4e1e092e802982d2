package deployment

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
)

// Contract is a deployed contract: its logical name, the source artifact it was built from,
// its address and its interface.
type Contract struct {
	Name    string
	Source  string
	Address common.Address
	ABI     abi.ABI
	// Placeholder is set for contracts whose deployment was only simulated in a dry run. No
	// code exists at Address.
	Placeholder bool
}

// HasMethod reports whether the contract interface exposes method.
func (c Contract) HasMethod(method string) bool {
	_, ok := c.ABI.Methods[method]

	return ok
}

// String returns "<name> (<address>)".
func (c Contract) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.Address.Hex())
}

// Instance is a contract bound to the capabilities its interface supports.
type Instance interface {
	Handle() Contract
}

// CacheRebuildable is implemented by contracts that resolve their dependencies through the
// address resolver and keep a local cache of the results.
type CacheRebuildable interface {
	Instance
	// ResolverAddressesRequired returns the names the contract needs resolved.
	ResolverAddressesRequired(ctx context.Context, caller evm.Caller) ([][32]byte, error)
	// IsResolverCached reports whether the local cache matches the resolver.
	IsResolverCached(ctx context.Context, caller evm.Caller) (bool, error)
}

// LegacyResolvable is implemented by contracts that take the resolver address through a
// single setter instead of rebuilding a cache.
type LegacyResolvable interface {
	Instance
	// SetResolverMethod is the name of the setter.
	SetResolverMethod() string
	// ResolverGetter returns the name of the view returning the current resolver, or false if
	// the contract has none.
	ResolverGetter() (string, bool)
}

const (
	methodResolverAddressesRequired = "resolverAddressesRequired"
	methodIsResolverCached          = "isResolverCached"
	methodRebuildCache              = "rebuildCache"
	methodSetResolverAndSyncCache   = "setResolverAndSyncCache"
	methodSetResolver               = "setResolver"
	methodResolver                  = "resolver"
)

// Bind wraps c in the Instance matching the capabilities of its interface.
func Bind(c Contract) Instance {
	switch {
	case c.HasMethod(methodResolverAddressesRequired) && c.HasMethod(methodIsResolverCached) && c.HasMethod(methodRebuildCache):
		return &MixinResolver{contract: c}
	case c.HasMethod(methodSetResolverAndSyncCache):
		return &LegacyResolver{contract: c, setter: methodSetResolverAndSyncCache}
	case c.HasMethod(methodSetResolver):
		return &LegacyResolver{contract: c, setter: methodSetResolver}
	default:
		return plain{contract: c}
	}
}

type plain struct {
	contract Contract
}

func (p plain) Handle() Contract { return p.contract }

var (
	_ CacheRebuildable = (*MixinResolver)(nil)
	_ LegacyResolvable = (*LegacyResolver)(nil)
)

// MixinResolver is a contract that caches addresses looked up from the address resolver.
type MixinResolver struct {
	contract Contract
}

// Handle implements Instance.
func (m *MixinResolver) Handle() Contract { return m.contract }

// ResolverAddressesRequired implements CacheRebuildable.
func (m *MixinResolver) ResolverAddressesRequired(ctx context.Context, caller evm.Caller) ([][32]byte, error) {
	out, err := caller.Call(ctx, m.contract.Address, m.contract.ABI, methodResolverAddressesRequired)
	if err != nil {
		return nil, err
	}

	names, ok := first[[][32]byte](out)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected %s output %v", m.contract.Name, methodResolverAddressesRequired, out)
	}

	return names, nil
}

// IsResolverCached implements CacheRebuildable.
func (m *MixinResolver) IsResolverCached(ctx context.Context, caller evm.Caller) (bool, error) {
	out, err := caller.Call(ctx, m.contract.Address, m.contract.ABI, methodIsResolverCached)
	if err != nil {
		return false, err
	}

	cached, ok := first[bool](out)
	if !ok {
		return false, fmt.Errorf("%s: unexpected %s output %v", m.contract.Name, methodIsResolverCached, out)
	}

	return cached, nil
}

// LegacyResolver is a contract configured with a single resolver setter.
type LegacyResolver struct {
	contract Contract
	setter   string
}

// Handle implements Instance.
func (l *LegacyResolver) Handle() Contract { return l.contract }

// SetResolverMethod implements LegacyResolvable.
func (l *LegacyResolver) SetResolverMethod() string { return l.setter }

// ResolverGetter implements LegacyResolvable.
func (l *LegacyResolver) ResolverGetter() (string, bool) {
	return methodResolver, l.contract.HasMethod(methodResolver)
}

// first returns the first output of a call as T.
func first[T any](out []any) (T, bool) {
	var zero T
	if len(out) == 0 {
		return zero, false
	}
	v, ok := out[0].(T)

	return v, ok
}
