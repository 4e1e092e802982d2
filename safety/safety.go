// Package safety holds the pre-flight checks run before anything is sent to a chain. The
// checks are pure functions over loaded configuration.
package safety

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
)

// OVMSuffix is the deployment path suffix required on OVM networks.
const OVMSuffix = "-ovm"

var (
	ErrNetworkPathMismatch     = errors.New("deployment path does not match network")
	ErrFrozenRedeploy          = errors.New("refusing to redeploy a non-upgradeable contract")
	ErrFreshDeployOverExisting = errors.New("fresh deploy requested but the deployment already has contracts")
	errEmptyDeploymentPath     = errors.New("deployment path is empty")
	errMissingNetwork          = errors.New("network is required")
)

// Input is the configuration the checks run against.
type Input struct {
	Network        string
	OVM            bool
	DeploymentPath string
	Entries        []deployment.ConfigEntry
	// Manifest is the deployment manifest loaded for DeploymentPath. It may be nil.
	Manifest *deployment.Manifest
	// FreshDeploy marks an initial deployment.
	FreshDeploy bool
	// FrozenPrefixes are name prefixes of contracts that must not be redeployed.
	FrozenPrefixes []string
}

// Checker is a single pre-flight check.
type Checker func(in Input) error

// DefaultCheckers are the checks Run executes.
var DefaultCheckers = []Checker{
	CheckNetworkPath,
	CheckFrozen,
	CheckFreshDeploy,
}

// Violations is returned by Run when at least one check failed. errors.Is matches any of the
// individual violations.
type Violations struct {
	Errs []error
}

// Error implements the error interface.
func (v *Violations) Error() string {
	msgs := make([]string, len(v.Errs))
	for i, err := range v.Errs {
		msgs[i] = err.Error()
	}

	return fmt.Sprintf("%d safety check(s) failed:\n  - %s", len(v.Errs), strings.Join(msgs, "\n  - "))
}

// Unwrap returns the individual violations.
func (v *Violations) Unwrap() []error {
	return v.Errs
}

// Run executes checkers, or DefaultCheckers when none are given. With override set every
// violation is logged as a warning and the run proceeds.
func Run(in Input, override bool, lggr logger.Logger, checkers ...Checker) error {
	if len(checkers) == 0 {
		checkers = DefaultCheckers
	}

	var errs []error
	for _, check := range checkers {
		if err := check(in); err != nil {
			errs = append(errs, flatten(err)...)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	if override {
		for _, err := range errs {
			lggr.Warnw("Safety check overridden", "network", in.Network, "path", in.DeploymentPath, "violation", err.Error())
		}

		return nil
	}

	return &Violations{Errs: errs}
}

// flatten splits an errors.Join result into its parts.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}

	return []error{err}
}

// CheckNetworkPath requires the last element of the deployment path to start with the network
// name. OVM networks need the -ovm suffix and other networks must not use it.
func CheckNetworkPath(in Input) error {
	if in.Network == "" {
		return errMissingNetwork
	}
	if in.DeploymentPath == "" {
		return errEmptyDeploymentPath
	}

	base := filepath.Base(filepath.Clean(in.DeploymentPath))
	var errs []error
	if !strings.HasPrefix(base, in.Network) {
		errs = append(errs, fmt.Errorf("%w: %s is not a %s deployment", ErrNetworkPathMismatch, in.DeploymentPath, in.Network))
	}

	hasSuffix := strings.HasSuffix(base, OVMSuffix)
	switch {
	case in.OVM && !hasSuffix:
		errs = append(errs, fmt.Errorf("%w: %s is an OVM network but %s does not end in %s",
			ErrNetworkPathMismatch, in.Network, in.DeploymentPath, OVMSuffix))
	case !in.OVM && hasSuffix:
		errs = append(errs, fmt.Errorf("%w: %s is not an OVM network but %s ends in %s",
			ErrNetworkPathMismatch, in.Network, in.DeploymentPath, OVMSuffix))
	}

	return errors.Join(errs...)
}

// CheckFrozen rejects fresh deployments of contracts with a frozen name prefix when the manifest
// already records them.
func CheckFrozen(in Input) error {
	if in.Manifest == nil {
		return nil
	}

	var errs []error
	for _, entry := range in.Entries {
		if !entry.Deploy || !frozen(entry.Name, in.FrozenPrefixes) {
			continue
		}
		rec, ok := in.Manifest.Record(entry.Name)
		if !ok {
			continue
		}
		errs = append(errs, fmt.Errorf("%w: %s is deployed at %s and marked for deploy; set deploy: false or pass the override flag",
			ErrFrozenRedeploy, entry.Name, rec.Address.Hex()))
	}

	return errors.Join(errs...)
}

// CheckFreshDeploy rejects a fresh deploy over a manifest that already has contracts.
func CheckFreshDeploy(in Input) error {
	if !in.FreshDeploy || in.Manifest == nil || in.Manifest.Len() == 0 {
		return nil
	}

	return fmt.Errorf("%w: %s records %d contracts", ErrFreshDeployOverExisting, in.DeploymentPath, in.Manifest.Len())
}

func frozen(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}

	return false
}
