package deployment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/ethereum/go-ethereum/common"
)

// Registry maps logical contract names to the contracts deployed or reused in the current
// run. It is rebuilt every run and never persisted. All methods return results in name order.
type Registry struct {
	// Use TreeMap to maintain name order automatically
	byName *treemap.Map // map[string]Instance
	mtx    sync.RWMutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: treemap.NewWithStringComparator()}
}

// Add binds c and stores it under its name, replacing any earlier entry.
func (r *Registry) Add(c Contract) (Instance, error) {
	if c.Name == "" {
		return nil, errors.New("contract name cannot be empty")
	}
	if c.Address == (common.Address{}) {
		return nil, fmt.Errorf("contract %s: address cannot be empty", c.Name)
	}

	inst := Bind(c)

	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.byName.Put(c.Name, inst)

	return inst, nil
}

// Get returns the instance registered under name.
func (r *Registry) Get(name string) (Instance, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	v, ok := r.byName.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrContractNotFound)
	}

	return v.(Instance), nil
}

// Contract returns the contract registered under name.
func (r *Registry) Contract(name string) (Contract, error) {
	inst, err := r.Get(name)
	if err != nil {
		return Contract{}, err
	}

	return inst.Handle(), nil
}

// Address returns the address registered under name.
func (r *Registry) Address(name string) (common.Address, error) {
	c, err := r.Contract(name)
	if err != nil {
		return common.Address{}, err
	}

	return c.Address, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	_, ok := r.byName.Get(name)

	return ok
}

// Names returns the registered names.
func (r *Registry) Names() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	names := make([]string, 0, r.byName.Size())
	for _, k := range r.byName.Keys() {
		names = append(names, k.(string))
	}

	return names
}

// Instances returns every registered instance.
func (r *Registry) Instances() []Instance {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]Instance, 0, r.byName.Size())
	it := r.byName.Iterator()
	for it.Next() {
		out = append(out, it.Value().(Instance))
	}

	return out
}

// Len returns the number of registered contracts.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.byName.Size()
}

// NameOf returns the name registered for addr.
func (r *Registry) NameOf(addr common.Address) (string, bool) {
	for _, inst := range r.Instances() {
		if c := inst.Handle(); c.Address == addr {
			return c.Name, true
		}
	}

	return "", false
}
