package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	StorageLevelDB = "leveldb"
	StorageMemory  = "memory"

	// EnvPrefix namespaces every environment override.
	EnvPrefix        = "PODESCROW_"
	defaultSecretEnv = EnvPrefix + "JWT_SECRET"
)

type Config struct {
	ListenAddress     string `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir           string `toml:"DataDir" yaml:"dataDir"`
	Storage           string `toml:"Storage" yaml:"storage"`
	Env               string `toml:"Env" yaml:"env"`
	TransferTimeoutMs int    `toml:"TransferTimeoutMs" yaml:"transferTimeoutMs"`
	GenesisFile       string `toml:"GenesisFile" yaml:"genesisFile"`

	RPC       RPCConfig       `toml:"rpc" yaml:"rpc"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`

	// Genesis maps bech32 addresses to decimal token balances credited once
	// when the ledger is created.
	Genesis map[string]string `toml:"genesis" yaml:"genesis"`
}

// Load loads the configuration from the given path, writing a default file
// first when none exists. Files ending in .yaml or .yml are decoded as YAML,
// everything else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
		}
	}
	if cfg.GenesisFile != "" && !filepath.IsAbs(cfg.GenesisFile) {
		cfg.GenesisFile = filepath.Join(filepath.Dir(path), cfg.GenesisFile)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	cfg := &Config{
		ListenAddress:     "127.0.0.1:8545",
		DataDir:           "./escrow-data",
		Storage:           StorageLevelDB,
		Env:               "dev",
		TransferTimeoutMs: 5000,
		RPC: RPCConfig{
			IdempotencyDB: "idempotency.db",
			AuditDB:       "audit.db",
		},
		Auth: AuthConfig{
			Enabled:   true,
			SecretEnv: defaultSecretEnv,
			Issuer:    "podescrow",
		},
		Logging: LoggingConfig{Level: "info"},
		Genesis: map[string]string{},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Storage) == "" {
		c.Storage = StorageLevelDB
	}
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	if c.TransferTimeoutMs == 0 {
		c.TransferTimeoutMs = 5000
	}
	if c.RPC.MaxBodyBytes == 0 {
		c.RPC.MaxBodyBytes = 1 << 20
	}
	if c.RPC.RateLimitPerSecond > 0 && c.RPC.RateLimitBurst == 0 {
		c.RPC.RateLimitBurst = int(c.RPC.RateLimitPerSecond * 2)
		if c.RPC.RateLimitBurst == 0 {
			c.RPC.RateLimitBurst = 1
		}
	}
	if c.RPC.IdempotencyTTLSecs == 0 {
		c.RPC.IdempotencyTTLSecs = 24 * 60 * 60
	}
	if c.RPC.ReadHeaderTimeout == 0 {
		c.RPC.ReadHeaderTimeout = 5
	}
	if c.RPC.ReadTimeout == 0 {
		c.RPC.ReadTimeout = 15
	}
	if c.RPC.WriteTimeout == 0 {
		c.RPC.WriteTimeout = 15
	}
	if c.RPC.IdleTimeout == 0 {
		c.RPC.IdleTimeout = 60
	}
	if c.Auth.ClockSkewSeconds == 0 {
		c.Auth.ClockSkewSeconds = 120
	}
	if c.Genesis == nil {
		c.Genesis = map[string]string{}
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "LISTEN_ADDRESS")); v != "" {
		c.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "ENV")); v != "" {
		c.Env = v
	}
	if v := strings.TrimSpace(os.Getenv(c.Auth.secretEnvName())); v != "" {
		c.Auth.HMACSecret = v
	}
}

func (a AuthConfig) secretEnvName() string {
	if name := strings.TrimSpace(a.SecretEnv); name != "" {
		return name
	}
	return defaultSecretEnv
}

// TransferTimeout bounds every call into the currency ledger.
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutMs) * time.Millisecond
}

// ClockSkew is the leeway applied to token expiry checks.
func (a AuthConfig) ClockSkew() time.Duration {
	return time.Duration(a.ClockSkewSeconds) * time.Second
}

// ResolvePath anchors a store file under DataDir unless it is absolute.
func (c *Config) ResolvePath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

func createDefault(path string) error {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
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

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
