package config

// RPCConfig controls the JSON-RPC listener and its request guards.
type RPCConfig struct {
	MaxBodyBytes       int64   `toml:"MaxBodyBytes" yaml:"maxBodyBytes"`
	MaxConnections     int     `toml:"MaxConnections" yaml:"maxConnections"`
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond" yaml:"rateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst" yaml:"rateLimitBurst"`
	TrustProxyHeaders  bool    `toml:"TrustProxyHeaders" yaml:"trustProxyHeaders"`
	// IdempotencyDB and AuditDB are resolved relative to DataDir when not
	// absolute. An empty value disables the store.
	IdempotencyDB      string `toml:"IdempotencyDB" yaml:"idempotencyDB"`
	IdempotencyTTLSecs int    `toml:"IdempotencyTTLSeconds" yaml:"idempotencyTTLSeconds"`
	AuditDB            string `toml:"AuditDB" yaml:"auditDB"`
	ReadHeaderTimeout  int    `toml:"ReadHeaderTimeout" yaml:"readHeaderTimeout"`
	ReadTimeout        int    `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout       int    `toml:"WriteTimeout" yaml:"writeTimeout"`
	IdleTimeout        int    `toml:"IdleTimeout" yaml:"idleTimeout"`
}

// AuthConfig describes how bearer tokens are verified. The token subject is
// the caller's bech32 address.
type AuthConfig struct {
	Enabled          bool   `toml:"Enabled" yaml:"enabled"`
	HMACSecret       string `toml:"HMACSecret" yaml:"hmacSecret"`
	SecretEnv        string `toml:"SecretEnv" yaml:"secretEnv"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
}

type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

// TelemetryConfig feeds the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool              `toml:"Insecure" yaml:"insecure"`
	Headers     map[string]string `toml:"Headers" yaml:"headers"`
	Traces      bool              `toml:"Traces" yaml:"traces"`
	Metrics     bool              `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64           `toml:"SampleRatio" yaml:"sampleRatio"`
}
