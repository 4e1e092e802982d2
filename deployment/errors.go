package deployment

import "errors"

var (
	// ErrContractNotFound is returned when a name is not present in the Registry.
	ErrContractNotFound = errors.New("contract not found in registry")
	// ErrDependencyNotFound is returned when a constructor argument references a contract that
	// was neither deployed in this run nor recorded in the manifest.
	ErrDependencyNotFound = errors.New("dependency address cannot be resolved")
	// ErrMissingAddress is returned when a contract marked as not to be deployed has no
	// address in the manifest.
	ErrMissingAddress = errors.New("contract is not marked for deployment and has no recorded address")
	// ErrManifestCorrupt is returned when the deployment manifest cannot be parsed.
	ErrManifestCorrupt = errors.New("deployment manifest is corrupt")
	// ErrArtifactNotFound is returned when no build artifact exists for a source.
	ErrArtifactNotFound = errors.New("build artifact not found")
)
