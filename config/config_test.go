package config

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	// fileCfg is the config that is loaded from the testdata/config.yml file.
	fileCfg = &Config{
		Network:        "mainnet",
		DeploymentPath: "./publish/deployed/mainnet",
		RPCURL:         "https://rpc.example.org",
		BackupRPCURLs:  []string{"https://rpc-backup.example.org"},
		ChainID:        1,
		LogLevel:       "debug",
		FrozenPrefixes: []string{"Proxy", "TokenState"},
		Signer: SignerConfig{
			PrivateKey: testPrivateKey,
		},
		Gas: GasConfig{
			MethodCallLimit:         500000,
			ContractDeploymentLimit: 8000000,
			MaxFeeGwei:              40,
			MaxPriorityFeeGwei:      1.5,
		},
		Reads: ReadsConfig{
			MaxConcurrency: 8,
			RetryAttempts:  4,
		},
		Confirm: ConfirmConfig{
			Timeout:      3 * time.Minute,
			TickInterval: 2 * time.Second,
		},
		Safe: SafeConfig{
			ServiceURL: "https://safe-transaction.example.org",
			Address:    "0x0000000000000000000000000000000000005afe",
		},
		OwnerActions: OwnerActionsConfig{
			File: "./owner-actions.json",
		},
		Relay: RelayConfig{
			Network:             "mainnet",
			DeploymentPath:      "./publish/deployed/mainnet",
			RPCURL:              "https://l1.example.org",
			ChainID:             1,
			Contract:            "OwnerRelayOnEthereum",
			CrossDomainGasLimit: 3000000,
			MaxBatchSize:        15,
		},
	}

	// envVars is the environment variables that used to set the config.
	envVars = map[string]string{
		"RECONCILER_NETWORK":                       "mainnet-ovm",
		"RECONCILER_DEPLOYMENT_PATH":               "/deployed/mainnet-ovm",
		"RECONCILER_RPC_URL":                       "https://l2.example.org",
		"RECONCILER_CHAIN_ID":                      "10",
		"RECONCILER_LOG_LEVEL":                     "warn",
		"RECONCILER_PRIVATE_KEY":                   "0x123",
		"RECONCILER_KMS_KEY_ID":                    "f1a2b3c4",
		"RECONCILER_KMS_KEY_REGION":                "us-east-1",
		"RECONCILER_KMS_AWS_PROFILE":               "deployer",
		"RECONCILER_GAS_METHOD_CALL_LIMIT":         "600000",
		"RECONCILER_GAS_CONTRACT_DEPLOYMENT_LIMIT": "9000000",
		"RECONCILER_GAS_MAX_FEE_GWEI":              "2.5",
		"RECONCILER_GAS_MAX_PRIORITY_FEE_GWEI":     "0.5",
		"RECONCILER_READS_MAX_CONCURRENCY":         "3",
		"RECONCILER_READS_RETRY_ATTEMPTS":          "2",
		"RECONCILER_CONFIRM_TIMEOUT":               "90s",
		"RECONCILER_CONFIRM_TICK_INTERVAL":         "500ms",
		"RECONCILER_SAFE_SERVICE_URL":              "http://localhost:8000",
		"RECONCILER_SAFE_ADDRESS":                  "0x5afe",
		"RECONCILER_OWNER_ACTIONS_FILE":            "/tmp/actions.json",
		"RECONCILER_DATABASE_DSN":                  "postgres://localhost/reconciler",
		"RECONCILER_RELAY_NETWORK":                 "mainnet",
		"RECONCILER_RELAY_DEPLOYMENT_PATH":         "/deployed/mainnet",
		"RECONCILER_RELAY_RPC_URL":                 "https://l1.example.org",
		"RECONCILER_RELAY_CHAIN_ID":                "1",
		"RECONCILER_RELAY_CONTRACT":                "OwnerRelay",
		"RECONCILER_RELAY_CROSS_DOMAIN_GAS_LIMIT":  "2000000",
		"RECONCILER_RELAY_MAX_BATCH_SIZE":          "10",
	}

	legacyEnvVars = map[string]string{
		"DEPLOYMENT_PATH":               "/deployed/mainnet-ovm",
		"PROVIDER_URL":                  "https://l2.example.org",
		"DEPLOY_PRIVATE_KEY":            "0x123",
		"KMS_DEPLOYER_KEY_ID":           "f1a2b3c4",
		"KMS_DEPLOYER_KEY_REGION":       "us-east-1",
		"METHOD_CALL_GAS_LIMIT":         "600000",
		"CONTRACT_DEPLOYMENT_GAS_LIMIT": "9000000",
		"MAX_FEE_PER_GAS":               "2.5",
		"MAX_PRIORITY_FEE_PER_GAS":      "0.5",
		"SAFE_SERVICE_URL":              "http://localhost:8000",
		"PROVIDER_URL_L1":               "https://l1.example.org",
		// These values do not have a legacy equivalent
		"RECONCILER_NETWORK":                      "mainnet-ovm",
		"RECONCILER_CHAIN_ID":                     "10",
		"RECONCILER_LOG_LEVEL":                    "warn",
		"RECONCILER_KMS_AWS_PROFILE":              "deployer",
		"RECONCILER_READS_MAX_CONCURRENCY":        "3",
		"RECONCILER_READS_RETRY_ATTEMPTS":         "2",
		"RECONCILER_CONFIRM_TIMEOUT":              "90s",
		"RECONCILER_CONFIRM_TICK_INTERVAL":        "500ms",
		"RECONCILER_SAFE_ADDRESS":                 "0x5afe",
		"RECONCILER_OWNER_ACTIONS_FILE":           "/tmp/actions.json",
		"RECONCILER_DATABASE_DSN":                 "postgres://localhost/reconciler",
		"RECONCILER_RELAY_NETWORK":                "mainnet",
		"RECONCILER_RELAY_DEPLOYMENT_PATH":        "/deployed/mainnet",
		"RECONCILER_RELAY_CHAIN_ID":               "1",
		"RECONCILER_RELAY_CONTRACT":               "OwnerRelay",
		"RECONCILER_RELAY_CROSS_DOMAIN_GAS_LIMIT": "2000000",
		"RECONCILER_RELAY_MAX_BATCH_SIZE":         "10",
	}

	// envCfg is the config that is loaded from the environment variables.
	envCfg = &Config{
		Network:        "mainnet-ovm",
		DeploymentPath: "/deployed/mainnet-ovm",
		RPCURL:         "https://l2.example.org",
		ChainID:        10,
		LogLevel:       "warn",
		Signer: SignerConfig{
			PrivateKey: "0x123",
			KMS: KMSConfig{
				KeyID:      "f1a2b3c4",
				KeyRegion:  "us-east-1",
				AWSProfile: "deployer",
			},
		},
		Gas: GasConfig{
			MethodCallLimit:         600000,
			ContractDeploymentLimit: 9000000,
			MaxFeeGwei:              2.5,
			MaxPriorityFeeGwei:      0.5,
		},
		Reads: ReadsConfig{
			MaxConcurrency: 3,
			RetryAttempts:  2,
		},
		Confirm: ConfirmConfig{
			Timeout:      90 * time.Second,
			TickInterval: 500 * time.Millisecond,
		},
		Safe: SafeConfig{
			ServiceURL: "http://localhost:8000",
			Address:    "0x5afe",
		},
		OwnerActions: OwnerActionsConfig{
			File: "/tmp/actions.json",
		},
		Database: DatabaseConfig{
			DSN: "postgres://localhost/reconciler",
		},
		Relay: RelayConfig{
			Network:             "mainnet",
			DeploymentPath:      "/deployed/mainnet",
			RPCURL:              "https://l1.example.org",
			ChainID:             1,
			Contract:            "OwnerRelay",
			CrossDomainGasLimit: 2000000,
			MaxBatchSize:        10,
		},
	}
)

func Test_Load(t *testing.T) { //nolint:paralleltest // see comment in setupEnvVars
	tests := []struct {
		name       string
		beforeFunc func(t *testing.T)
		givePath   string
		want       *Config
		wantErr    string
	}{
		{
			name:     "load from file",
			givePath: "./testdata/config.yml",
			want:     fileCfg,
		},
		{
			name:     "load from empty file",
			givePath: "./testdata/empty.yml",
			want:     &Config{},
		},
		{
			name: "override with env",
			beforeFunc: func(t *testing.T) {
				t.Helper()

				setupEnvVars(t, envVars)
			},
			givePath: "./testdata/config.yml",
			want: func() *Config {
				cfg := *envCfg
				// Not bound to an environment variable
				cfg.FrozenPrefixes = fileCfg.FrozenPrefixes
				cfg.BackupRPCURLs = fileCfg.BackupRPCURLs

				return &cfg
			}(),
		},
		{
			name: "fallback to env when file not found",
			beforeFunc: func(t *testing.T) {
				t.Helper()

				setupEnvVars(t, envVars)
			},
			givePath: "./testdata/invalid.yml",
			want:     envCfg,
		},
	}

	for _, tt := range tests { //nolint:paralleltest // see comment in setupEnvVars
		t.Run(tt.name, func(t *testing.T) {
			if tt.beforeFunc != nil {
				tt.beforeFunc(t)
			}

			got, err := Load(tt.givePath)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func Test_LoadFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		givePath string
		want     *Config
		wantErr  string
	}{
		{
			name:     "load from file",
			givePath: "./testdata/config.yml",
			want:     fileCfg,
		},
		{
			name:     "load from file with invalid path",
			givePath: "./testdata/invalid.yml",
			wantErr:  "no such file or directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := LoadFile(tt.givePath)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func Test_LoadEnv(t *testing.T) { //nolint:paralleltest // see comment in setupEnvVars
	setupEnvVars(t, envVars)

	got, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, envCfg, got)
}

func Test_LoadEnv_Legacy(t *testing.T) { //nolint:paralleltest // see comment in setupEnvVars
	setupEnvVars(t, legacyEnvVars)

	got, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, envCfg, got)
}

func Test_Config_Validate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Network:        "mainnet",
			DeploymentPath: "./publish/deployed/mainnet",
			RPCURL:         "http://localhost:8545",
			ChainID:        1,
			Signer:         SignerConfig{PrivateKey: testPrivateKey},
		}
	}

	tests := []struct {
		name          string
		giveMutate    func(c *Config)
		wantErr       string
		wantErrSigner bool
	}{
		{
			name:       "valid",
			giveMutate: func(*Config) {},
		},
		{
			name: "missing fields",
			giveMutate: func(c *Config) {
				c.Network = ""
				c.RPCURL = ""
			},
			wantErr: "network is required\nrpc_url is required",
		},
		{
			name: "missing chain id",
			giveMutate: func(c *Config) {
				c.ChainID = 0
			},
			wantErr: "chain_id is required",
		},
		{
			name: "no signer",
			giveMutate: func(c *Config) {
				c.Signer = SignerConfig{}
			},
			wantErr:       "no private key or KMS key configured",
			wantErrSigner: true,
		},
		{
			name: "malformed private key",
			giveMutate: func(c *Config) {
				c.Signer.PrivateKey = "0xzz"
			},
			wantErr:       "private key",
			wantErrSigner: true,
		},
		{
			name: "private key and kms",
			giveMutate: func(c *Config) {
				c.Signer.KMS = KMSConfig{KeyID: "123", KeyRegion: "us-east-1"}
			},
			wantErr:       "both a private key and a KMS key are configured",
			wantErrSigner: true,
		},
		{
			name: "kms without region",
			giveMutate: func(c *Config) {
				c.Signer = SignerConfig{KMS: KMSConfig{KeyID: "123"}}
			},
			wantErr:       "KMS key region is required",
			wantErrSigner: true,
		},
		{
			name: "kms",
			giveMutate: func(c *Config) {
				c.Signer = SignerConfig{KMS: KMSConfig{KeyID: "123", KeyRegion: "us-east-1"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.giveMutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Equal(t, tt.wantErrSigner, errors.Is(err, ErrInvalidSigner))
		})
	}
}

func Test_SignerConfig_Generator(t *testing.T) {
	t.Parallel()

	gen, err := SignerConfig{PrivateKey: testPrivateKey}.Generator()
	require.NoError(t, err)

	opts, err := gen.Generate(big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), opts.From)

	_, err = SignerConfig{}.Generator()
	require.ErrorIs(t, err, ErrInvalidSigner)
}

// setupEnvVars sets up the environment variables for the test.
//
// CAUTION: Because this function uses t.Setenv which affects the entire process, tests which call
// this function cannot be run in parallel.
func setupEnvVars(t *testing.T, envVars map[string]string) {
	t.Helper()

	for key, value := range envVars {
		t.Setenv(key, value)
	}
}

func Test_RelayConfig_Validate(t *testing.T) {
	t.Parallel()

	err := RelayConfig{
		DeploymentPath: "./publish/deployed/mainnet",
		RPCURL:         "http://localhost:8545",
		ChainID:        1,
	}.Validate()
	require.NoError(t, err)

	err = RelayConfig{ChainID: 1}.Validate()
	require.EqualError(t, err, "relay.deployment_path is required\nrelay.rpc_url is required")
}
