package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ManifestVersion is the schema version written to new manifests.
const ManifestVersion = "1.0.0"

var supportedManifestVersion = semver.MustParse(ManifestVersion)

// DeploymentRecord is the durable record of one deployed contract.
type DeploymentRecord struct {
	Name    string         `json:"name"`
	Source  string         `json:"source"`
	Address common.Address `json:"address"`
	// Timestamp is the compiler timestamp of the artifact that was deployed.
	Timestamp time.Time   `json:"timestamp"`
	TxHash    common.Hash `json:"txn,omitempty"`
	Network   string      `json:"network,omitempty"`
}

// SourceRecord is the interface of a deployed source, kept so reused contracts can be bound
// without the build artifacts.
type SourceRecord struct {
	ABI json.RawMessage `json:"abi"`
}

// Manifest is the deployment manifest: one DeploymentRecord per logical contract name and
// the interface of every source referenced by a record.
type Manifest struct {
	Version string                      `json:"version"`
	Targets map[string]DeploymentRecord `json:"targets"`
	Sources map[string]SourceRecord     `json:"sources"`
}

// ManifestStore loads and saves the manifest of one deployment path.
type ManifestStore interface {
	// Load returns the stored manifest, or an empty one if none exists.
	Load(ctx context.Context) (*Manifest, error)
	// Save replaces the stored manifest.
	Save(ctx context.Context, m *Manifest) error
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{
		Version: ManifestVersion,
		Targets: make(map[string]DeploymentRecord),
		Sources: make(map[string]SourceRecord),
	}
}

// ParseManifest decodes and validates a manifest. Any failure wraps ErrManifestCorrupt.
func ParseManifest(data []byte) (*Manifest, error) {
	m := NewManifest()
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestCorrupt, err)
	}
	if m.Version == "" {
		m.Version = ManifestVersion
	}
	if m.Targets == nil {
		m.Targets = make(map[string]DeploymentRecord)
	}
	if m.Sources == nil {
		m.Sources = make(map[string]SourceRecord)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks the schema version and every record.
func (m *Manifest) Validate() error {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("%w: invalid version %q: %w", ErrManifestCorrupt, m.Version, err)
	}
	if v.Major() != supportedManifestVersion.Major() {
		return fmt.Errorf("%w: unsupported version %s, expected %d.x", ErrManifestCorrupt, v, supportedManifestVersion.Major())
	}

	var errs []error
	for _, name := range m.Names() {
		rec := m.Targets[name]
		if rec.Name != "" && rec.Name != name {
			errs = append(errs, fmt.Errorf("target %s has name %s", name, rec.Name))
		}
		if rec.Address == (common.Address{}) {
			errs = append(errs, fmt.Errorf("target %s has no address", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrManifestCorrupt, errors.Join(errs...))
	}

	return nil
}

// Marshal encodes the manifest as indented JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Record returns the record stored under name.
func (m *Manifest) Record(name string) (DeploymentRecord, bool) {
	rec, ok := m.Targets[name]
	if ok && rec.Name == "" {
		rec.Name = name
	}

	return rec, ok
}

// Put stores rec under its name, replacing the earlier record, and stores the interface of
// its source when contractABI is not nil.
func (m *Manifest) Put(rec DeploymentRecord, contractABI json.RawMessage) {
	m.Targets[rec.Name] = rec
	if len(contractABI) > 0 {
		m.Sources[rec.Source] = SourceRecord{ABI: contractABI}
	}
}

// ABI returns the parsed interface of source.
func (m *Manifest) ABI(source string) (abi.ABI, bool, error) {
	src, ok := m.Sources[source]
	if !ok || len(src.ABI) == 0 {
		return abi.ABI{}, false, nil
	}

	parsed, err := abi.JSON(strings.NewReader(string(src.ABI)))
	if err != nil {
		return abi.ABI{}, true, fmt.Errorf("%w: abi of %s: %w", ErrManifestCorrupt, source, err)
	}

	return parsed, true, nil
}

// Contract binds the record stored under name to the interface of its source.
func (m *Manifest) Contract(name string) (Contract, error) {
	rec, ok := m.Record(name)
	if !ok {
		return Contract{}, fmt.Errorf("%s: %w", name, ErrMissingAddress)
	}

	parsed, ok, err := m.ABI(rec.Source)
	if err != nil {
		return Contract{}, err
	}
	if !ok {
		return Contract{}, fmt.Errorf("%w: no interface stored for %s", ErrManifestCorrupt, rec.Source)
	}

	return Contract{Name: name, Source: rec.Source, Address: rec.Address, ABI: parsed}, nil
}

// Names returns the target names in lexical order.
func (m *Manifest) Names() []string {
	return slices.Sorted(maps.Keys(m.Targets))
}

// Len returns the number of targets.
func (m *Manifest) Len() int {
	return len(m.Targets)
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		Version: m.Version,
		Targets: maps.Clone(m.Targets),
		Sources: make(map[string]SourceRecord, len(m.Sources)),
	}
	for k, v := range m.Sources {
		out.Sources[k] = SourceRecord{ABI: slices.Clone(v.ABI)}
	}
	if out.Targets == nil {
		out.Targets = make(map[string]DeploymentRecord)
	}

	return out
}

// MemoryManifestStore keeps the manifest in memory.
type MemoryManifestStore struct {
	data  []byte
	saves int
}

var _ ManifestStore = (*MemoryManifestStore)(nil)

// NewMemoryManifestStore returns a store seeded with m, which may be nil.
func NewMemoryManifestStore(m *Manifest) *MemoryManifestStore {
	s := &MemoryManifestStore{}
	if m != nil {
		s.data, _ = m.Marshal()
	}

	return s
}

// Load implements ManifestStore.
func (s *MemoryManifestStore) Load(context.Context) (*Manifest, error) {
	return ParseManifest(s.data)
}

// Save implements ManifestStore.
func (s *MemoryManifestStore) Save(_ context.Context, m *Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	s.data = data
	s.saves++

	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryManifestStore) Saves() int {
	return s.saves
}
