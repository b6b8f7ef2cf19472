package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"settlechain/crypto"
	"settlechain/storage"
)

// Config is the settled node configuration.
type Config struct {
	RPCAddress      string    `toml:"RPCAddress"`
	DataDir         string    `toml:"DataDir"`
	DBBackend       string    `toml:"DBBackend"`
	GenesisFile     string    `toml:"GenesisFile"`
	ChainID         uint64    `toml:"ChainID"`
	Owner           string    `toml:"Owner"`
	BlockIntervalMs int64     `toml:"BlockIntervalMs"`
	Environment     string    `toml:"Environment"`
	Logging         Logging   `toml:"logging"`
	Telemetry       Telemetry `toml:"telemetry"`
	RPC             RPC       `toml:"rpc"`
	EventStore      Store     `toml:"eventstore"`
	WebhooksFile    string    `toml:"WebhooksFile"`
}

// Logging mirrors observability/logging.Options.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry controls the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// RPC holds the JSON-RPC server knobs. Timeouts are in seconds.
type RPC struct {
	JWTSecretEnv      string  `toml:"JWTSecretEnv"`
	JWTIssuer         string  `toml:"JWTIssuer"`
	RateLimitPerSec   float64 `toml:"RateLimitPerSec"`
	RateLimitBurst    int     `toml:"RateLimitBurst"`
	MaxBodyBytes      int64   `toml:"MaxBodyBytes"`
	ReadHeaderTimeout int     `toml:"ReadHeaderTimeout"`
	ReadTimeout       int     `toml:"ReadTimeout"`
	WriteTimeout      int     `toml:"WriteTimeout"`
	IdleTimeout       int     `toml:"IdleTimeout"`
	EventBuffer       int     `toml:"EventBuffer"`
}

// Store selects the optional event archive. An empty DSN disables it.
type Store struct {
	DSN string `toml:"DSN"`
}

const (
	defaultRPCAddress      = "127.0.0.1:8547"
	defaultChainID         = 4201
	defaultBlockIntervalMs = 1000
	defaultRateLimit       = 20
	defaultRateBurst       = 40
	defaultMaxBodyBytes    = 1 << 20
	defaultEventBuffer     = 1024
)

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the baseline configuration used for new files.
func Default() *Config {
	return &Config{
		RPCAddress:      defaultRPCAddress,
		DataDir:         "./settle-data",
		DBBackend:       storage.BackendLevelDB,
		ChainID:         defaultChainID,
		BlockIntervalMs: defaultBlockIntervalMs,
		Environment:     "local",
		Logging:         Logging{Level: "info"},
		Telemetry:       Telemetry{},
		RPC: RPC{
			RateLimitPerSec:   defaultRateLimit,
			RateLimitBurst:    defaultRateBurst,
			MaxBodyBytes:      defaultMaxBodyBytes,
			ReadHeaderTimeout: 5,
			ReadTimeout:       15,
			WriteTimeout:      15,
			IdleTimeout:       60,
			EventBuffer:       defaultEventBuffer,
		},
	}
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must be set")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID must be non-zero")
	}
	if c.BlockIntervalMs <= 0 {
		return fmt.Errorf("config: BlockIntervalMs must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBBackend)) {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("config: unsupported DBBackend %q", c.DBBackend)
	}
	if strings.ToLower(c.DBBackend) != storage.BackendMemory && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must be set for the %s backend", c.DBBackend)
	}
	if strings.TrimSpace(c.Owner) != "" {
		if _, err := crypto.ParseAddress(c.Owner); err != nil {
			return fmt.Errorf("config: Owner: %w", err)
		}
	}
	if c.RPC.RateLimitPerSec < 0 || c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("config: rpc rate limits must not be negative")
	}
	if c.RPC.RateLimitPerSec > 0 && c.RPC.RateLimitBurst == 0 {
		return fmt.Errorf("config: rpc RateLimitBurst must be positive when RateLimitPerSec is set")
	}
	if c.RPC.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: rpc MaxBodyBytes must be positive")
	}
	return nil
}

// OwnerAddress decodes the configured owner. The zero address is returned
// when no owner is set.
func (c *Config) OwnerAddress() ([20]byte, error) {
	if strings.TrimSpace(c.Owner) == "" {
		return [20]byte{}, nil
	}
	return crypto.ParseAddress(c.Owner)
}

// BlockInterval returns the height ticker period.
func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalMs) * time.Millisecond
}

// Seconds converts one of the RPC timeout knobs.
func Seconds(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}

// JWTSecret reads the bearer token secret from the configured environment
// variable. An empty result disables token checks.
func (r RPC) JWTSecret() string {
	if strings.TrimSpace(r.JWTSecretEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(r.JWTSecretEnv))
}

func (c *Config) resolvePaths(base string) {
	if base == "" || base == "." {
		return
	}
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.DataDir = rel(c.DataDir)
	c.GenesisFile = rel(c.GenesisFile)
	c.WebhooksFile = rel(c.WebhooksFile)
	c.Logging.File = rel(c.Logging.File)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
