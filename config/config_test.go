package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"settlechain/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, uint64(defaultChainID), cfg.ChainID)
	require.Equal(t, filepath.Join(dir, "node", "settle-data"), cfg.DataDir)
	require.Equal(t, "leveldb", cfg.DBBackend)

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadParsesSections(t *testing.T) {
	var owner [20]byte
	owner[0] = 0x42
	ownerStr := crypto.FormatAddress(owner)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = "0.0.0.0:9000"
DataDir = "/var/lib/settle"
DBBackend = "bolt"
GenesisFile = "genesis.yaml"
ChainID = 77
Owner = "` + ownerStr + `"
BlockIntervalMs = 250
WebhooksFile = "hooks.yaml"

[logging]
Level = "debug"
File = "logs/settled.log"
MaxSizeMB = 50

[telemetry]
Endpoint = "collector:4318"
Traces = true

[rpc]
JWTSecretEnv = "SETTLE_TEST_JWT"
RateLimitPerSec = 5
RateLimitBurst = 10
MaxBodyBytes = 4096

[eventstore]
DSN = "file:events.db"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.RPCAddress)
	require.Equal(t, "/var/lib/settle", cfg.DataDir)
	require.Equal(t, filepath.Join(dir, "genesis.yaml"), cfg.GenesisFile)
	require.Equal(t, filepath.Join(dir, "hooks.yaml"), cfg.WebhooksFile)
	require.Equal(t, filepath.Join(dir, "logs", "settled.log"), cfg.Logging.File)
	require.Equal(t, uint64(77), cfg.ChainID)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 50, cfg.Logging.MaxSizeMB)
	require.True(t, cfg.Telemetry.Traces)
	require.False(t, cfg.Telemetry.Metrics)
	require.Equal(t, int64(4096), cfg.RPC.MaxBodyBytes)
	require.Equal(t, "file:events.db", cfg.EventStore.DSN)
	require.Equal(t, int64(250), cfg.BlockInterval().Milliseconds())
	// unset keys keep their defaults
	require.Equal(t, defaultEventBuffer, cfg.RPC.EventBuffer)

	decoded, err := cfg.OwnerAddress()
	require.NoError(t, err)
	require.Equal(t, owner, decoded)

	t.Setenv("SETTLE_TEST_JWT", " s3cret ")
	require.Equal(t, "s3cret", cfg.RPC.JWTSecret())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ChainID = 5\nValidatorKey = \"abc\"\n"), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "ValidatorKey")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty rpc address":  func(c *Config) { c.RPCAddress = " " },
		"zero chain id":      func(c *Config) { c.ChainID = 0 },
		"zero interval":      func(c *Config) { c.BlockIntervalMs = 0 },
		"unknown backend":    func(c *Config) { c.DBBackend = "rocksdb" },
		"missing data dir":   func(c *Config) { c.DataDir = "" },
		"bad owner":          func(c *Config) { c.Owner = "xyz1qqqq" },
		"negative rate":      func(c *Config) { c.RPC.RateLimitPerSec = -1 },
		"rate without burst": func(c *Config) { c.RPC.RateLimitBurst = 0 },
		"zero body limit":    func(c *Config) { c.RPC.MaxBodyBytes = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.DBBackend = "memory"
	cfg.DataDir = ""
	require.NoError(t, cfg.Validate())
	owner, err := cfg.OwnerAddress()
	require.NoError(t, err)
	require.Equal(t, [20]byte{}, owner)
}

func TestSeconds(t *testing.T) {
	require.Zero(t, Seconds(0))
	require.Zero(t, Seconds(-3))
	require.Equal(t, int64(7), int64(Seconds(7).Seconds()))
}
