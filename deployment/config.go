package deployment

import (
	"errors"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// ConfigEntry declares the intent for one contract in a run.
type ConfigEntry struct {
	// Name is the logical contract name.
	Name string
	// Deploy requests fresh deployment. When false the address is taken from the manifest.
	Deploy bool
	// Source is the build artifact to deploy. Defaults to Name.
	Source string
	// Args are the constructor arguments. A string "@Other" is the address of the contract
	// registered as Other, "$deployer" is the signer address, anything else is converted to
	// the constructor input type.
	Args []any
}

// SourceName returns the artifact name of the entry.
func (e ConfigEntry) SourceName() string {
	if e.Source != "" {
		return e.Source
	}

	return e.Name
}

type configEntryYAML struct {
	Deploy bool   `yaml:"deploy"`
	Source string `yaml:"source"`
	Args   []any  `yaml:"args"`
}

// ParseConfig decodes a deploy config of the form {name: {deploy: bool, ...}}. YAML and JSON
// are both accepted. Entries are returned in declaration order.
func ParseConfig(data []byte) ([]ConfigEntry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse deploy config: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("deploy config must be a mapping of contract name to entry")
	}

	entries := make([]ConfigEntry, 0, len(root.Content)/2)
	seen := make(map[string]bool, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		if seen[name] {
			return nil, fmt.Errorf("deploy config declares %s twice", name)
		}
		seen[name] = true

		var raw configEntryYAML
		if err := root.Content[i+1].Decode(&raw); err != nil {
			return nil, fmt.Errorf("deploy config entry %s: %w", name, err)
		}

		entries = append(entries, ConfigEntry{
			Name:   name,
			Deploy: raw.Deploy,
			Source: raw.Source,
			Args:   raw.Args,
		})
	}

	return entries, nil
}

// LoadConfig reads and parses the deploy config at path.
func LoadConfig(fsys fs.ReadFileFS, path string) ([]ConfigEntry, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return ParseConfig(data)
}
