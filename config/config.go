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

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		ListenAddress:  "127.0.0.1:8080",
		DataDir:        "./ink-data",
		Environment:    "dev",
		EscrowAddress:  "0x00000000000000000000000000000000000e5c40",
		RequestTimeout: Duration(10 * time.Second),
		ReadTimeout:    Duration(30 * time.Second),
		WriteTimeout:   Duration(30 * time.Second),
		IdleTimeout:    Duration(120 * time.Second),
		PausedModules:  []string{},
		Storage:        StorageConfig{Backend: BackendLevelDB, Path: "state"},
		Auth: AuthConfig{
			Enabled:       true,
			HMACSecretEnv: "INK_AUTH_SECRET",
			ScopeClaim:    "scope",
			ClockSkew:     Duration(2 * time.Minute),
		},
		RateLimits: []RateLimitConfig{
			{ID: "escrow", RatePerSecond: 5, Burst: 20},
			{ID: "authority", RatePerSecond: 1, Burst: 5},
			{ID: "read", RatePerSecond: 20, Burst: 50},
		},
		Logging:   LoggingConfig{Level: "info"},
		Audit:     AuditConfig{Enabled: true, Path: "audit.db"},
		Genesis:   []GenesisBalance{},
		Policies:  []PolicyConfig{},
		Mediators: []MediatorConfig{},
		Owners:    []OwnerConfig{},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads the TOML (or, for .yaml/.yml paths, YAML) configuration at path,
// applies defaults and validates it. A missing file is created with Default.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.Storage.Backend) == "" {
		cfg.Storage.Backend = BackendLevelDB
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = Duration(2 * time.Minute)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = Duration(10 * time.Second)
	}
	if cfg.PausedModules == nil {
		cfg.PausedModules = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
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

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

// ResolvePath anchors a relative path at DataDir.
func (cfg *Config) ResolvePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) || trimmed == ":memory:" {
		return trimmed
	}
	return filepath.Join(cfg.DataDir, trimmed)
}

// AuthSecret returns the configured HMAC secret, preferring the environment
// variable named by HMACSecretEnv when it is set.
func (cfg *Config) AuthSecret() string {
	if name := strings.TrimSpace(cfg.Auth.HMACSecretEnv); name != "" {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(cfg.Auth.HMACSecret)
}
