package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen       = "127.0.0.1:8080"
	DefaultDatabase     = "icsync.db"
	DefaultTick         = "@every 1m"
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxParallel  = 4
	DefaultMaxRedirects = 5
	DefaultUserAgent    = "icsync/1.0"
	DefaultNetworkRetry = 2 * time.Minute
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LogConfig controls log level and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the SQLite file path. Relative paths resolve against the
	// config file directory.
	Database string `yaml:"database" json:"database"`

	// Tick is a robfig/cron schedule (e.g. "@every 1m") driving the
	// scheduler's due-check.
	Tick string `yaml:"tick" json:"tick"`

	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	MaxParallel  int           `yaml:"max_parallel" json:"max_parallel"`
	MaxRedirects int           `yaml:"max_redirects" json:"max_redirects"`
	UserAgent    string        `yaml:"user_agent" json:"user_agent"`

	// NetworkRetry is how soon a periodic subscription is retried after a
	// network failure, when shorter than its interval.
	NetworkRetry time.Duration `yaml:"network_retry" json:"network_retry"`

	// CredentialKey is the passphrase used to seal stored feed passwords.
	CredentialKey string `yaml:"credential_key" json:"-"`

	// TrustedCertificates lists SHA-256 fingerprints (hex, colons optional)
	// of server certificates accepted despite failing verification.
	TrustedCertificates []string `yaml:"trusted_certificates" json:"trusted_certificates"`

	Log LogConfig `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              DefaultListen,
		Database:            DefaultDatabase,
		Tick:                DefaultTick,
		FetchTimeout:        DefaultFetchTimeout,
		MaxParallel:         DefaultMaxParallel,
		MaxRedirects:        DefaultMaxRedirects,
		UserAgent:           DefaultUserAgent,
		NetworkRetry:        DefaultNetworkRetry,
		TrustedCertificates: []string{},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if strings.TrimSpace(c.Tick) == "" {
		c.Tick = DefaultTick
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.NetworkRetry <= 0 {
		c.NetworkRetry = DefaultNetworkRetry
	}
	if c.TrustedCertificates == nil {
		c.TrustedCertificates = []string{}
	}
	for i, fp := range c.TrustedCertificates {
		c.TrustedCertificates[i] = NormalizeFingerprint(fp)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// DatabasePath resolves Database relative to the directory of configPath.
func (c *Config) DatabasePath(configPath string) string {
	if c.Database == ":memory:" || filepath.IsAbs(c.Database) || configPath == "" {
		return c.Database
	}
	return filepath.Join(filepath.Dir(configPath), c.Database)
}

// Trust records a certificate fingerprint as always trusted. It reports
// whether the list changed.
func (c *Config) Trust(fingerprint string) bool {
	fp := NormalizeFingerprint(fingerprint)
	if fp == "" {
		return false
	}
	for _, have := range c.TrustedCertificates {
		if have == fp {
			return false
		}
	}
	c.TrustedCertificates = append(c.TrustedCertificates, fp)
	return true
}

// NormalizeFingerprint lower-cases a hex fingerprint and drops ':' and
// whitespace separators.
func NormalizeFingerprint(fp string) string {
	fp = strings.ToLower(strings.TrimSpace(fp))
	return strings.NewReplacer(":", "", " ", "").Replace(fp)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg to path atomically (temp file in the same directory, then
// rename) with 0600 permissions, creating the parent directory as 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".icsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
