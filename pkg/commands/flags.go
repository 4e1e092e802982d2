package commands

import (
	"strings"

	"github.com/spf13/pflag"
)

// configFlag adds the --config/-c flag to fs.
func configFlag(fs *pflag.FlagSet, p *string) {
	fs.StringVarP(p, "config", "c", DefaultConfigFile, "Path to the run configuration file")
}

// normalizeFlagName accepts underscores in flag names, so --dry_run is --dry-run.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}
