// Package config loads the reconciler run configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm/provider"
)

// ErrInvalidSigner is returned when no usable signer is configured.
var ErrInvalidSigner = errors.New("invalid signer configuration")

// KMSConfig is the configuration of an AWS KMS signing key.
//
// WARNING: This data type contains sensitive fields and should not be logged or set in file
// configuration.
type KMSConfig struct {
	KeyID      string `mapstructure:"key_id" yaml:"key_id"`           // Secret: AWS KMS Key ID
	KeyRegion  string `mapstructure:"key_region" yaml:"key_region"`   // Secret: AWS KMS Key Region (e.g. us-west-1)
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"` // AWS shared config profile. Empty uses the environment.
}

// SignerConfig configures the account that signs every transaction. Exactly one of PrivateKey
// and KMS must be set.
//
// WARNING: This data type contains sensitive fields and should not be logged or set in file
// configuration.
type SignerConfig struct {
	PrivateKey string    `mapstructure:"private_key" yaml:"private_key"` // Secret: hex encoded private key. Prefer to use KMS keys instead.
	KMS        KMSConfig `mapstructure:"kms" yaml:"kms"`
}

// GasConfig holds the gas limits and fee caps of sent transactions. Zero values let the node
// estimate.
type GasConfig struct {
	MethodCallLimit         uint64  `mapstructure:"method_call_limit" yaml:"method_call_limit"`
	ContractDeploymentLimit uint64  `mapstructure:"contract_deployment_limit" yaml:"contract_deployment_limit"`
	MaxFeeGwei              float64 `mapstructure:"max_fee_gwei" yaml:"max_fee_gwei"`
	MaxPriorityFeeGwei      float64 `mapstructure:"max_priority_fee_gwei" yaml:"max_priority_fee_gwei"`
}

// ReadsConfig bounds the read-only calls made against the chain.
type ReadsConfig struct {
	MaxConcurrency int  `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	RetryAttempts  uint `mapstructure:"retry_attempts" yaml:"retry_attempts"`
}

// ConfirmConfig controls how long the reconciler waits for a transaction to be mined.
type ConfirmConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
}

// SafeConfig points at the multisig owning the relay and its transaction service.
type SafeConfig struct {
	ServiceURL string `mapstructure:"service_url" yaml:"service_url"`
	Address    string `mapstructure:"address" yaml:"address"`
}

// OwnerActionsConfig selects the owner actions file. Empty uses the file in the deployment
// directory.
type OwnerActionsConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// DatabaseConfig selects a PostgreSQL database for the manifest and the owner actions. When DSN
// is empty both are kept as files in the deployment directory.
//
// WARNING: This data type contains sensitive fields and should not be logged or set in file
// configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"` // Secret: PostgreSQL connection string
}

// RelayConfig describes the primary chain holding the owner relay. The top level network is
// the secondary chain whose contracts receive the relayed calls.
type RelayConfig struct {
	Network             string `mapstructure:"network" yaml:"network"`
	DeploymentPath      string `mapstructure:"deployment_path" yaml:"deployment_path"`
	RPCURL              string `mapstructure:"rpc_url" yaml:"rpc_url"`
	ChainID             uint64 `mapstructure:"chain_id" yaml:"chain_id"`
	Contract            string `mapstructure:"contract" yaml:"contract"`
	CrossDomainGasLimit uint32 `mapstructure:"cross_domain_gas_limit" yaml:"cross_domain_gas_limit"`
	MaxBatchSize        int    `mapstructure:"max_batch_size" yaml:"max_batch_size"`
}

// Config is the configuration of a reconciler run.
type Config struct {
	Network        string             `mapstructure:"network" yaml:"network"`
	DeploymentPath string             `mapstructure:"deployment_path" yaml:"deployment_path"`
	RPCURL         string             `mapstructure:"rpc_url" yaml:"rpc_url"`
	BackupRPCURLs  []string           `mapstructure:"backup_rpc_urls" yaml:"backup_rpc_urls"`
	ChainID        uint64             `mapstructure:"chain_id" yaml:"chain_id"`
	LogLevel       string             `mapstructure:"log_level" yaml:"log_level"`
	FrozenPrefixes []string           `mapstructure:"frozen_prefixes" yaml:"frozen_prefixes"`
	Signer         SignerConfig       `mapstructure:"signer" yaml:"signer"`
	Gas            GasConfig          `mapstructure:"gas" yaml:"gas"`
	Reads          ReadsConfig        `mapstructure:"reads" yaml:"reads"`
	Confirm        ConfirmConfig      `mapstructure:"confirm" yaml:"confirm"`
	Safe           SafeConfig         `mapstructure:"safe" yaml:"safe"`
	OwnerActions   OwnerActionsConfig `mapstructure:"owner_actions" yaml:"owner_actions"`
	Database       DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Relay          RelayConfig        `mapstructure:"relay" yaml:"relay"`
}

// Validate checks the fields every run needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Network == "" {
		errs = append(errs, errors.New("network is required"))
	}
	if c.DeploymentPath == "" {
		errs = append(errs, errors.New("deployment_path is required"))
	}
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc_url is required"))
	}
	if c.ChainID == 0 {
		errs = append(errs, errors.New("chain_id is required"))
	}
	if err := c.Signer.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the fields needed to reach the primary chain.
func (r RelayConfig) Validate() error {
	var errs []error
	if r.DeploymentPath == "" {
		errs = append(errs, errors.New("relay.deployment_path is required"))
	}
	if r.RPCURL == "" {
		errs = append(errs, errors.New("relay.rpc_url is required"))
	}
	if r.ChainID == 0 {
		errs = append(errs, errors.New("relay.chain_id is required"))
	}

	return errors.Join(errs...)
}

// Validate checks that exactly one signer is configured and that a raw key parses.
func (s SignerConfig) Validate() error {
	hasKey := s.PrivateKey != ""
	hasKMS := s.KMS.KeyID != ""

	switch {
	case hasKey && hasKMS:
		return fmt.Errorf("%w: both a private key and a KMS key are configured", ErrInvalidSigner)
	case hasKMS:
		if s.KMS.KeyRegion == "" {
			return fmt.Errorf("%w: KMS key region is required", ErrInvalidSigner)
		}

		return nil
	case hasKey:
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(s.PrivateKey, "0x")); err != nil {
			return fmt.Errorf("%w: private key: %w", ErrInvalidSigner, err)
		}

		return nil
	default:
		return fmt.Errorf("%w: no private key or KMS key configured", ErrInvalidSigner)
	}
}

// Generator returns the signer generator for the configured key.
func (s SignerConfig) Generator() (provider.SignerGenerator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	if s.KMS.KeyID != "" {
		gen, err := provider.TransactorFromKMS(s.KMS.KeyID, s.KMS.KeyRegion, s.KMS.AWSProfile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSigner, err)
		}

		return gen, nil
	}

	return provider.TransactorFromRaw(s.PrivateKey), nil
}

// Load loads the config from the file path, falling back to env vars if the file does not exist.
// If the file exists, any env vars that are set will override the values loaded from the file.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg)

	return cfg, err
}

// LoadEnv loads the config from the environment variables.
func LoadEnv() (*Config, error) {
	v := viper.New()

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg)

	return cfg, err
}

// LoadFile loads the config from a file.
func LoadFile(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg)

	return cfg, err
}

var (
	// envBindings maps a config key to the environment variables that can provide its value.
	// The first name is the preferred one, the second (if present) is the legacy name still
	// accepted from older deploy scripts.
	envBindings = map[string][]string{
		"network":                       {"RECONCILER_NETWORK"},
		"deployment_path":               {"RECONCILER_DEPLOYMENT_PATH", "DEPLOYMENT_PATH"},
		"rpc_url":                       {"RECONCILER_RPC_URL", "PROVIDER_URL"},
		"chain_id":                      {"RECONCILER_CHAIN_ID"},
		"log_level":                     {"RECONCILER_LOG_LEVEL"},
		"signer.private_key":            {"RECONCILER_PRIVATE_KEY", "DEPLOY_PRIVATE_KEY"},
		"signer.kms.key_id":             {"RECONCILER_KMS_KEY_ID", "KMS_DEPLOYER_KEY_ID"},
		"signer.kms.key_region":         {"RECONCILER_KMS_KEY_REGION", "KMS_DEPLOYER_KEY_REGION"},
		"signer.kms.aws_profile":        {"RECONCILER_KMS_AWS_PROFILE"},
		"gas.method_call_limit":         {"RECONCILER_GAS_METHOD_CALL_LIMIT", "METHOD_CALL_GAS_LIMIT"},
		"gas.contract_deployment_limit": {"RECONCILER_GAS_CONTRACT_DEPLOYMENT_LIMIT", "CONTRACT_DEPLOYMENT_GAS_LIMIT"},
		"gas.max_fee_gwei":              {"RECONCILER_GAS_MAX_FEE_GWEI", "MAX_FEE_PER_GAS"},
		"gas.max_priority_fee_gwei":     {"RECONCILER_GAS_MAX_PRIORITY_FEE_GWEI", "MAX_PRIORITY_FEE_PER_GAS"},
		"reads.max_concurrency":         {"RECONCILER_READS_MAX_CONCURRENCY"},
		"reads.retry_attempts":          {"RECONCILER_READS_RETRY_ATTEMPTS"},
		"confirm.timeout":               {"RECONCILER_CONFIRM_TIMEOUT"},
		"confirm.tick_interval":         {"RECONCILER_CONFIRM_TICK_INTERVAL"},
		"safe.service_url":              {"RECONCILER_SAFE_SERVICE_URL", "SAFE_SERVICE_URL"},
		"safe.address":                  {"RECONCILER_SAFE_ADDRESS"},
		"owner_actions.file":            {"RECONCILER_OWNER_ACTIONS_FILE"},
		"database.dsn":                  {"RECONCILER_DATABASE_DSN"},
		"relay.network":                 {"RECONCILER_RELAY_NETWORK"},
		"relay.deployment_path":         {"RECONCILER_RELAY_DEPLOYMENT_PATH"},
		"relay.rpc_url":                 {"RECONCILER_RELAY_RPC_URL", "PROVIDER_URL_L1"},
		"relay.chain_id":                {"RECONCILER_RELAY_CHAIN_ID"},
		"relay.contract":                {"RECONCILER_RELAY_CONTRACT"},
		"relay.cross_domain_gas_limit":  {"RECONCILER_RELAY_CROSS_DOMAIN_GAS_LIMIT"},
		"relay.max_batch_size":          {"RECONCILER_RELAY_MAX_BATCH_SIZE"},
	}
)

// bindEnvs binds the environment variables to the viper instance.
func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		// Prepend the config key to the start of the arguments
		inputs := slices.Insert(slices.Clone(envs), 0, key)

		if err := v.BindEnv(inputs...); err != nil {
			return err
		}
	}

	return nil
}
