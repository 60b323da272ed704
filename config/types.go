package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration read from and written as "90s"-style strings in
// both TOML and YAML files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

type StorageConfig struct {
	Backend string `toml:"Backend" yaml:"backend"`
	// Path is resolved against DataDir when relative.
	Path string `toml:"Path" yaml:"path"`
}

type AuthConfig struct {
	Enabled    bool   `toml:"Enabled" yaml:"enabled"`
	HMACSecret string `toml:"HMACSecret" yaml:"hmacSecret"`
	// HMACSecretEnv names an environment variable holding the secret.
	HMACSecretEnv string   `toml:"HMACSecretEnv" yaml:"hmacSecretEnv"`
	Issuer        string   `toml:"Issuer" yaml:"issuer"`
	Audience      string   `toml:"Audience" yaml:"audience"`
	ScopeClaim    string   `toml:"ScopeClaim" yaml:"scopeClaim"`
	ClockSkew     Duration `toml:"ClockSkew" yaml:"clockSkew"`
}

type RateLimitConfig struct {
	ID                string  `toml:"ID" yaml:"id"`
	RatePerSecond     float64 `toml:"RatePerSecond" yaml:"ratePerSecond"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// PerSecond returns the configured rate, converting RequestsPerMinute when
// RatePerSecond is unset.
func (r RateLimitConfig) PerSecond() float64 {
	if r.RatePerSecond > 0 {
		return r.RatePerSecond
	}
	return r.RequestsPerMinute / 60.0
}

type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	// Headers uses the OTEL_EXPORTER_OTLP_HEADERS format (k=v,k2=v2).
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
	LogRequests bool    `toml:"LogRequests" yaml:"logRequests"`
}

type AuditConfig struct {
	Enabled bool `toml:"Enabled" yaml:"enabled"`
	// Path of the SQLite file, resolved against DataDir when relative.
	Path string `toml:"Path" yaml:"path"`
}

type SecurityConfig struct {
	TLSCertFile   string `toml:"TLSCertFile" yaml:"tlsCertFile"`
	TLSKeyFile    string `toml:"TLSKeyFile" yaml:"tlsKeyFile"`
	AllowInsecure bool   `toml:"AllowInsecure" yaml:"allowInsecure"`
}

// GenesisBalance credits Amount base units to Address at first start.
type GenesisBalance struct {
	Address string `toml:"Address" yaml:"address"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

type PolicyConfig struct {
	Address           string   `toml:"Address" yaml:"address"`
	FulfillmentExpiry Duration `toml:"FulfillmentExpiry" yaml:"fulfillmentExpiry"`
	TransactionExpiry Duration `toml:"TransactionExpiry" yaml:"transactionExpiry"`
	EscalationExpiry  Duration `toml:"EscalationExpiry" yaml:"escalationExpiry"`
}

type MediatorConfig struct {
	Address         string   `toml:"Address" yaml:"address"`
	MediationExpiry Duration `toml:"MediationExpiry" yaml:"mediationExpiry"`
	// MinAmount and MaxAmount bound the amounts the mediator accepts; empty
	// means unbounded.
	MinAmount string `toml:"MinAmount" yaml:"minAmount"`
	MaxAmount string `toml:"MaxAmount" yaml:"maxAmount"`
	// FeesBPS maps a fee kind (confirm, refund_after_dispute, ...) to a rate
	// in basis points.
	FeesBPS map[string]uint32 `toml:"FeesBPS" yaml:"feesBPS"`
}

type OwnerConfig struct {
	Address string   `toml:"Address" yaml:"address"`
	Buyers  []string `toml:"Buyers" yaml:"buyers"`
}

type Config struct {
	ListenAddress  string   `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir        string   `toml:"DataDir" yaml:"dataDir"`
	Environment    string   `toml:"Environment" yaml:"environment"`
	EscrowAddress  string   `toml:"EscrowAddress" yaml:"escrowAddress"`
	RequestTimeout Duration `toml:"RequestTimeout" yaml:"requestTimeout"`
	ReadTimeout    Duration `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout   Duration `toml:"WriteTimeout" yaml:"writeTimeout"`
	IdleTimeout    Duration `toml:"IdleTimeout" yaml:"idleTimeout"`
	PausedModules  []string `toml:"PausedModules" yaml:"pausedModules"`

	Storage    StorageConfig     `toml:"storage" yaml:"storage"`
	Auth       AuthConfig        `toml:"auth" yaml:"auth"`
	RateLimits []RateLimitConfig `toml:"ratelimits" yaml:"rateLimits"`
	Logging    LoggingConfig     `toml:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig   `toml:"telemetry" yaml:"telemetry"`
	Audit      AuditConfig       `toml:"audit" yaml:"audit"`
	Security   SecurityConfig    `toml:"security" yaml:"security"`

	Genesis   []GenesisBalance `toml:"Genesis" yaml:"genesis"`
	Policies  []PolicyConfig   `toml:"Policies" yaml:"policies"`
	Mediators []MediatorConfig `toml:"Mediators" yaml:"mediators"`
	Owners    []OwnerConfig    `toml:"Owners" yaml:"owners"`
}
