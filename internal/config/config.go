package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Dropbox  DropboxConfig  `yaml:"dropbox"`
	Transfer TransferConfig `yaml:"transfer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PathsConfig holds on-disk locations
type PathsConfig struct {
	CasesDir   string `yaml:"cases_dir" env:"AFREC_CASES_DIR"`
	SecretsDir string `yaml:"secrets_dir" env:"AFREC_SECRETS_DIR"`
	DBPath     string `yaml:"db_path" env:"AFREC_DB_PATH"`
}

// DropboxConfig holds the app credentials and endpoints
type DropboxConfig struct {
	AppKey       string        `yaml:"app_key" env:"DROPBOX_APP_KEY"`
	AppSecret    string        `yaml:"app_secret" env:"DROPBOX_APP_SECRET"`
	APIURL       string        `yaml:"api_url" env:"AFREC_DROPBOX_API_URL"`
	ContentURL   string        `yaml:"content_url" env:"AFREC_DROPBOX_CONTENT_URL"`
	AuthorizeURL string        `yaml:"authorize_url" env:"AFREC_DROPBOX_AUTHORIZE_URL"`
	Timeout      time.Duration `yaml:"timeout" env:"AFREC_DROPBOX_TIMEOUT"`
}

// TransferConfig holds retry and concurrency settings for downloads
type TransferConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"AFREC_TRANSFER_MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"AFREC_TRANSFER_BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"AFREC_TRANSFER_MAX_DELAY"`
	Workers     int           `yaml:"workers" env:"AFREC_TRANSFER_WORKERS"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"AFREC_LOG_LEVEL"`
	Format string `yaml:"format" env:"AFREC_LOG_FORMAT"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			CasesDir:   "cases",
			SecretsDir: "secrets",
			DBPath:     "",
		},
		Dropbox: DropboxConfig{
			APIURL:       "https://api.dropboxapi.com",
			ContentURL:   "https://content.dropboxapi.com",
			AuthorizeURL: "https://www.dropbox.com/oauth2/authorize",
			Timeout:      60 * time.Second,
		},
		Transfer: TransferConfig{
			MaxAttempts: 6,
			BaseDelay:   1500 * time.Millisecond,
			MaxDelay:    60 * time.Second,
			Workers:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config file from the given path and applies the
// environment overlay. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"afrec.yaml",
		"/etc/afrec/afrec.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "afrec", "afrec.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.CasesDir == "" {
		errs = append(errs, errors.New("paths.cases_dir is required"))
	}
	if c.Paths.SecretsDir == "" {
		errs = append(errs, errors.New("paths.secrets_dir is required"))
	}
	if c.Transfer.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("transfer.max_attempts must be at least 1, got %d", c.Transfer.MaxAttempts))
	}
	if c.Transfer.BaseDelay < 0 || c.Transfer.MaxDelay < 0 {
		errs = append(errs, errors.New("transfer delays must not be negative"))
	}
	if c.Transfer.MaxDelay > 0 && c.Transfer.BaseDelay > c.Transfer.MaxDelay {
		errs = append(errs, fmt.Errorf("transfer.base_delay %s exceeds max_delay %s", c.Transfer.BaseDelay, c.Transfer.MaxDelay))
	}
	if c.Transfer.Workers < 1 || c.Transfer.Workers > 8 {
		errs = append(errs, fmt.Errorf("transfer.workers must be between 1 and 8, got %d", c.Transfer.Workers))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// VaultPath is the encrypted token file inside the secrets directory
func (c *Config) VaultPath() string {
	return filepath.Join(c.Paths.SecretsDir, "token.enc")
}

// CatalogPath returns the SQLite catalog path, defaulting to afrec.db in
// the cases directory.
func (c *Config) CatalogPath() string {
	if c.Paths.DBPath != "" {
		return c.Paths.DBPath
	}
	return filepath.Join(c.Paths.CasesDir, "afrec.db")
}

// Redacted returns a copy safe to print, with the app secret masked
func (c *Config) Redacted() *Config {
	out := *c
	if out.Dropbox.AppSecret != "" {
		out.Dropbox.AppSecret = "********"
	}
	return &out
}
