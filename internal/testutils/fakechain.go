// Package testutils provides an in-memory contract backend for tests.
package testutils

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
)

var _ evm.Backend = (*FakeChain)(nil)

// Handler implements one contract method. It receives the call arguments as decoded by the
// ABI and returns the method outputs in ABI order. A returned error is treated as a revert.
type Handler func(from common.Address, args []any) ([]any, error)

// FakeTx is a transaction recorded by a FakeChain.
type FakeTx struct {
	Hash   common.Hash
	From   common.Address
	To     common.Address
	Method string
	Args   []any
	Data   []byte
	Gas    uint64
}

// FakeContract is a contract living on a FakeChain.
type FakeContract struct {
	Address common.Address
	ABI     abi.ABI

	mu       sync.Mutex
	handlers map[string]Handler
}

// Handle sets the implementation of method.
func (c *FakeContract) Handle(method string, h Handler) *FakeContract {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h

	return c
}

// Returns makes method return the given outputs.
func (c *FakeContract) Returns(method string, outs ...any) *FakeContract {
	return c.Handle(method, func(common.Address, []any) ([]any, error) {
		return outs, nil
	})
}

// Var backs getter with a stored value that setter replaces with its first argument. Either
// name may be empty.
func (c *FakeContract) Var(getter, setter string, initial any) *FakeContract {
	var (
		mu    sync.Mutex
		value = initial
	)
	if getter != "" {
		c.Handle(getter, func(common.Address, []any) ([]any, error) {
			mu.Lock()
			defer mu.Unlock()

			return []any{value}, nil
		})
	}
	if setter != "" {
		c.Handle(setter, func(_ common.Address, args []any) ([]any, error) {
			mu.Lock()
			defer mu.Unlock()
			value = args[0]

			return nil, nil
		})
	}

	return c
}

func (c *FakeContract) handler(method string) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[method]

	return h, ok
}

// FakeDeploy is a contract creation recorded by a FakeChain.
type FakeDeploy struct {
	Address  common.Address
	Hash     common.Hash
	Bytecode []byte
	Args     []any
}

// FakeChain is an evm.Backend that keeps contracts in memory. Arguments and outputs are
// round tripped through the real ABI encoder so type mismatches fail the same way they
// would against a node.
type FakeChain struct {
	mu        sync.Mutex
	from      common.Address
	nonce     uint64
	contracts map[common.Address]*FakeContract
	txs       []FakeTx
	deploys   []FakeDeploy
	calls     int

	// OnDeploy, if set, is invoked for every created contract so tests can install handlers.
	OnDeploy func(c *FakeContract, args []any)
}

// NewFakeChain returns an empty FakeChain whose transactions are sent from from.
func NewFakeChain(from common.Address) *FakeChain {
	return &FakeChain{
		from:      from,
		contracts: make(map[common.Address]*FakeContract),
	}
}

// Register places a contract with the given ABI at addr.
func (f *FakeChain) Register(addr common.Address, contractABI abi.ABI) *FakeContract {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := &FakeContract{Address: addr, ABI: contractABI, handlers: make(map[string]Handler)}
	f.contracts[addr] = c

	return c
}

// Contract returns the contract at addr, or nil.
func (f *FakeChain) Contract(addr common.Address) *FakeContract {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.contracts[addr]
}

// From implements evm.Transactor.
func (f *FakeChain) From() common.Address {
	return f.from
}

// Transactions returns every transaction sent so far.
func (f *FakeChain) Transactions() []FakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]FakeTx(nil), f.txs...)
}

// TransactionsTo returns the transactions calling method, in send order.
func (f *FakeChain) TransactionsTo(method string) []FakeTx {
	var out []FakeTx
	for _, tx := range f.Transactions() {
		if tx.Method == method {
			out = append(out, tx)
		}
	}

	return out
}

// Deploys returns every contract creation so far.
func (f *FakeChain) Deploys() []FakeDeploy {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]FakeDeploy(nil), f.deploys...)
}

// CallCount returns the number of read calls served.
func (f *FakeChain) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// Call implements evm.Caller.
func (f *FakeChain) Call(
	_ context.Context, to common.Address, contractABI abi.ABI, method string, args ...any,
) ([]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	outs, _, err := f.invoke(to, contractABI, method, args)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}

	return outs, nil
}

// Transact implements evm.Transactor.
func (f *FakeChain) Transact(
	_ context.Context, to common.Address, contractABI abi.ABI, method string, gasLimit uint64, args ...any,
) (common.Hash, error) {
	_, decoded, err := f.invoke(to, contractABI, method, args)
	if err != nil {
		return common.Hash{}, fmt.Errorf("confirm %s on %s: %w", method, to.Hex(), err)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	hash := f.nextHash()
	f.txs = append(f.txs, FakeTx{
		Hash:   hash,
		From:   f.from,
		To:     to,
		Method: method,
		Args:   decoded,
		Data:   data,
		Gas:    gasLimit,
	})

	return hash, nil
}

// Deploy implements evm.ContractCreator.
func (f *FakeChain) Deploy(
	_ context.Context, contractABI abi.ABI, bytecode []byte, _ uint64, args ...any,
) (common.Address, common.Hash, error) {
	input, err := contractABI.Pack("", args...)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("pack constructor: %w", err)
	}

	var decoded []any
	if len(contractABI.Constructor.Inputs) > 0 {
		if decoded, err = contractABI.Constructor.Inputs.Unpack(input); err != nil {
			return common.Address{}, common.Hash{}, err
		}
	}

	f.mu.Lock()
	addr := crypto.CreateAddress(f.from, f.nonce)
	hash := f.nextHash()
	f.deploys = append(f.deploys, FakeDeploy{Address: addr, Hash: hash, Bytecode: bytecode, Args: decoded})
	f.mu.Unlock()

	c := f.Register(addr, contractABI)
	if f.OnDeploy != nil {
		f.OnDeploy(c, decoded)
	}

	return addr, hash, nil
}

// nextHash must be called with f.mu held.
func (f *FakeChain) nextHash() common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.nonce)
	f.nonce++

	return crypto.Keccak256Hash(f.from.Bytes(), buf[:])
}

func (f *FakeChain) invoke(to common.Address, contractABI abi.ABI, method string, args []any) ([]any, []any, error) {
	m, ok := contractABI.Methods[method]
	if !ok {
		return nil, nil, fmt.Errorf("method %q not found in abi", method)
	}

	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, nil, err
	}

	decoded, err := m.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, nil, err
	}

	c := f.Contract(to)
	if c == nil {
		return nil, nil, errors.New("no contract code at given address")
	}

	h, ok := c.handler(method)
	if !ok {
		return nil, nil, fmt.Errorf("execution reverted: %s not implemented", method)
	}

	outs, err := h(f.from, decoded)
	if err != nil {
		return nil, nil, fmt.Errorf("execution reverted: %w", err)
	}

	if len(m.Outputs) == 0 {
		return nil, decoded, nil
	}

	packed, err := m.Outputs.Pack(outs...)
	if err != nil {
		return nil, nil, fmt.Errorf("pack outputs of %s: %w", method, err)
	}

	unpacked, err := m.Outputs.Unpack(packed)
	if err != nil {
		return nil, nil, err
	}

	return unpacked, decoded, nil
}

// MustABI parses a JSON ABI or panics.
func MustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}

	return parsed
}

// MergeABIs combines the methods of several ABIs.
func MergeABIs(abis ...abi.ABI) abi.ABI {
	out := abi.ABI{Methods: map[string]abi.Method{}, Events: map[string]abi.Event{}, Errors: map[string]abi.Error{}}
	for _, a := range abis {
		for name, m := range a.Methods {
			out.Methods[name] = m
		}
		for name, e := range a.Events {
			out.Events[name] = e
		}
		if len(a.Constructor.Inputs) > 0 {
			out.Constructor = a.Constructor
		}
	}

	return out
}

// Address returns a readable test address ending in n.
func Address(n uint64) common.Address {
	var a common.Address
	binary.BigEndian.PutUint64(a[12:], n)
	a[0] = 0xa0

	return a
}
