package config

import (
	"fmt"
	"strings"
)

var (
	MinTransferTimeoutMs = 10
	MaxTransferTimeoutMs = 60_000
)

// Validate checks the loaded configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must be set")
	}
	switch c.Storage {
	case StorageLevelDB:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("DataDir must be set for leveldb storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("Storage: unsupported backend %q", c.Storage)
	}
	if c.TransferTimeoutMs < MinTransferTimeoutMs || c.TransferTimeoutMs > MaxTransferTimeoutMs {
		return fmt.Errorf("TransferTimeoutMs must be between %d and %d", MinTransferTimeoutMs, MaxTransferTimeoutMs)
	}
	if c.RPC.MaxBodyBytes <= 0 {
		return fmt.Errorf("rpc: MaxBodyBytes <= 0")
	}
	if c.RPC.MaxConnections < 0 {
		return fmt.Errorf("rpc: MaxConnections < 0")
	}
	if c.RPC.RateLimitPerSecond < 0 || c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limit must not be negative")
	}
	if c.RPC.RateLimitPerSecond > 0 && c.RPC.RateLimitBurst == 0 {
		return fmt.Errorf("rpc: RateLimitBurst must be positive when RateLimitPerSecond is set")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: HMAC secret required; set %s", c.Auth.secretEnvName())
	}
	if c.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("auth: ClockSkewSeconds < 0")
	}
	if c.Telemetry.SampleRatio < 0 {
		return fmt.Errorf("telemetry: SampleRatio < 0")
	}
	if _, err := c.GenesisAllocations(); err != nil {
		return err
	}
	return nil
}
