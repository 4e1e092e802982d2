package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrOwnerActionNotFound is returned by MarkComplete for an unknown key.
var ErrOwnerActionNotFound = errors.New("owner action not found")

// OwnerAction is a write the signer is not allowed to make. It is recorded for the contract
// owner to execute and is never executed by the reconciler itself.
type OwnerAction struct {
	// Key identifies the action to operators, e.g. "Issuer.setX(5)".
	Key    string         `json:"key"`
	Target common.Address `json:"target"`
	// Action is the contract name and method, e.g. "Issuer.setX".
	Action    string        `json:"action"`
	Data      hexutil.Bytes `json:"data"`
	Comment   string        `json:"comment,omitempty"`
	Completed bool          `json:"complete"`
}

// SameCall reports whether a and b encode the same call to the same contract.
func (a OwnerAction) SameCall(b OwnerAction) bool {
	return a.Target == b.Target && bytes.Equal(a.Data, b.Data)
}

// OwnerActionStore is the durable, append-only list of OwnerActions.
type OwnerActionStore interface {
	// Append adds a unless a pending action with the same target and data is already stored.
	// A completed action does not block a: the write is still needed. It reports whether a
	// was added.
	Append(ctx context.Context, a OwnerAction) (bool, error)
	// List returns every stored action in insertion order.
	List(ctx context.Context) ([]OwnerAction, error)
	// Pending returns the actions not yet marked complete.
	Pending(ctx context.Context) ([]OwnerAction, error)
	// MarkComplete flags the action with the given key as executed.
	MarkComplete(ctx context.Context, key string) error
}

// AppendUnique appends a to actions unless a pending action with the same call is already
// present. Completed actions are kept as history and a fresh record is appended after them.
// Store implementations share it so de-duplication behaves the same everywhere.
func AppendUnique(actions []OwnerAction, a OwnerAction) ([]OwnerAction, bool) {
	for _, existing := range actions {
		if !existing.Completed && existing.SameCall(a) {
			return actions, false
		}
	}

	return append(actions, a), true
}

// MarkCompleteIn flags every action with key in actions.
func MarkCompleteIn(actions []OwnerAction, key string) error {
	found := false
	for i := range actions {
		if actions[i].Key == key {
			actions[i].Completed = true
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrOwnerActionNotFound, key)
	}

	return nil
}

// PendingIn returns the incomplete actions.
func PendingIn(actions []OwnerAction) []OwnerAction {
	var out []OwnerAction
	for _, a := range actions {
		if !a.Completed {
			out = append(out, a)
		}
	}

	return out
}

var _ OwnerActionStore = (*MemoryOwnerActionStore)(nil)

// MemoryOwnerActionStore keeps owner actions in memory.
// This is thread-safe and can be used in a multi-threaded environment.
type MemoryOwnerActionStore struct {
	mu      sync.RWMutex
	actions []OwnerAction
}

// NewMemoryOwnerActionStore creates a MemoryOwnerActionStore holding actions.
func NewMemoryOwnerActionStore(actions ...OwnerAction) *MemoryOwnerActionStore {
	return &MemoryOwnerActionStore{actions: actions}
}

// Append implements OwnerActionStore.
func (s *MemoryOwnerActionStore) Append(_ context.Context, a OwnerAction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added bool
	s.actions, added = AppendUnique(s.actions, a)

	return added, nil
}

// List implements OwnerActionStore.
func (s *MemoryOwnerActionStore) List(context.Context) ([]OwnerAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]OwnerAction(nil), s.actions...), nil
}

// Pending implements OwnerActionStore.
func (s *MemoryOwnerActionStore) Pending(context.Context) ([]OwnerAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return PendingIn(s.actions), nil
}

// MarkComplete implements OwnerActionStore.
func (s *MemoryOwnerActionStore) MarkComplete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return MarkCompleteIn(s.actions, key)
}
