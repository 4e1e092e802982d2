// Package store keeps the manifest and the owner actions of a deployment as JSON files in the
// deployment directory. Every write replaces the file atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/internal/jsonutils"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
)

const (
	// ManifestFile is the manifest file name inside a deployment directory.
	ManifestFile = "deployment.json"
	// OwnerActionsFile is the owner actions file name inside a deployment directory.
	OwnerActionsFile = "owner-actions.json"
)

var (
	_ deployment.ManifestStore   = (*FileManifestStore)(nil)
	_ reconcile.OwnerActionStore = (*FileOwnerActionStore)(nil)
)

// FileManifestStore keeps a manifest in a JSON file.
type FileManifestStore struct {
	path string
}

// NewFileManifestStore returns a store for the manifest of the deployment in dir.
func NewFileManifestStore(dir string) *FileManifestStore {
	return &FileManifestStore{path: filepath.Join(dir, ManifestFile)}
}

// Path returns the manifest file path.
func (s *FileManifestStore) Path() string {
	return s.path
}

// Load implements deployment.ManifestStore. A missing file is an empty manifest.
func (s *FileManifestStore) Load(context.Context) (*deployment.Manifest, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return deployment.NewManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	m, err := deployment.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}

	return m, nil
}

// Save implements deployment.ManifestStore.
func (s *FileManifestStore) Save(_ context.Context, m *deployment.Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	return jsonutils.WriteBytes(s.path, data)
}

// FileOwnerActionStore keeps owner actions in a JSON file. The file is read on every call so
// edits made by the owner between runs are picked up.
type FileOwnerActionStore struct {
	mu   sync.Mutex
	path string
}

// NewFileOwnerActionStore returns a store for the owner actions of the deployment in dir.
func NewFileOwnerActionStore(dir string) *FileOwnerActionStore {
	return &FileOwnerActionStore{path: filepath.Join(dir, OwnerActionsFile)}
}

// NewFileOwnerActionStoreAt returns a store backed by the file at path.
func NewFileOwnerActionStoreAt(path string) *FileOwnerActionStore {
	return &FileOwnerActionStore{path: path}
}

// Path returns the owner actions file path.
func (s *FileOwnerActionStore) Path() string {
	return s.path
}

func (s *FileOwnerActionStore) load() ([]reconcile.OwnerAction, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var actions []reconcile.OwnerAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal owner actions at %s: %w", s.path, err)
	}

	return actions, nil
}

func (s *FileOwnerActionStore) save(actions []reconcile.OwnerAction) error {
	if actions == nil {
		actions = []reconcile.OwnerAction{}
	}

	return jsonutils.WriteFile(s.path, actions)
}

// Append implements reconcile.OwnerActionStore.
func (s *FileOwnerActionStore) Append(_ context.Context, a reconcile.OwnerAction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actions, err := s.load()
	if err != nil {
		return false, err
	}

	actions, added := reconcile.AppendUnique(actions, a)
	if !added {
		return false, nil
	}

	return true, s.save(actions)
}

// List implements reconcile.OwnerActionStore.
func (s *FileOwnerActionStore) List(context.Context) ([]reconcile.OwnerAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load()
}

// Pending implements reconcile.OwnerActionStore.
func (s *FileOwnerActionStore) Pending(context.Context) ([]reconcile.OwnerAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actions, err := s.load()
	if err != nil {
		return nil, err
	}

	return reconcile.PendingIn(actions), nil
}

// MarkComplete implements reconcile.OwnerActionStore.
func (s *FileOwnerActionStore) MarkComplete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actions, err := s.load()
	if err != nil {
		return err
	}
	if err := reconcile.MarkCompleteIn(actions, key); err != nil {
		return err
	}

	return s.save(actions)
}
