package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultManagementPort is the port of the management API.
	DefaultManagementPort = 8318
	// DefaultAuthDir is where Copilot credential files live.
	DefaultAuthDir = "~/.cli-proxy-api"
)

// Store backends.
const (
	StoreTypeFile     = "file"
	StoreTypeSQLite   = "sqlite"
	StoreTypePostgres = "postgres"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the interface the management API binds to. Empty means 127.0.0.1.
	Host string `yaml:"host" json:"host"`

	// Port is the management API port.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory holding copilot-{user}.json credential files.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// Debug enables debug level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LogLevel overrides Debug when set (debug, info, warn, error, quiet).
	LogLevel string `yaml:"log-level" json:"log-level"`

	// LoggingToFile routes application logs to a rotated file under LogDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory for application and proxy process logs.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// MetricsEnabled toggles the prometheus middleware and /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics-enabled" json:"metrics-enabled"`

	// Store selects the credential store backend.
	Store StoreConfig `yaml:"store" json:"store"`

	// OAuth overrides the GitHub endpoints (GitHub Enterprise Server, tests).
	OAuth OAuthConfig `yaml:"oauth" json:"oauth"`

	// Copilot holds the local proxy settings.
	Copilot CopilotConfig `yaml:"copilot" json:"copilot"`
}

// StoreConfig selects and configures the credential store.
type StoreConfig struct {
	// Type is one of file, sqlite or postgres. Empty means file.
	Type string `yaml:"type" json:"type"`
	// DSN is the sqlite database path or the postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
}

// OAuthConfig overrides the GitHub device flow endpoints.
type OAuthConfig struct {
	DeviceCodeURL string `yaml:"device-code-url,omitempty" json:"device-code-url,omitempty"`
	TokenURL      string `yaml:"token-url,omitempty" json:"token-url,omitempty"`
	UserURL       string `yaml:"user-url,omitempty" json:"user-url,omitempty"`
	ClientID      string `yaml:"client-id,omitempty" json:"client-id,omitempty"`
}

// NewDefaultConfig returns a configuration with every default applied.
func NewDefaultConfig() *Config {
	return &Config{
		Port:    DefaultManagementPort,
		AuthDir: DefaultAuthDir,
		Store:   StoreConfig{Type: StoreTypeFile},
		Copilot: DefaultCopilotConfig(),
	}
}

// LoadConfig reads and validates the YAML configuration at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration at configFile. When optional is true a
// missing or unparsable file yields the default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return NewDefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewDefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			if optional {
				log.Warnf("ignoring unparsable config %s: %v", configFile, err)
				return NewDefaultConfig(), nil
			}
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return ValidateConfig(cfg)
}

// ValidateConfig normalises cfg in place and checks its invariants.
func ValidateConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "configuration is required", nil)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, nil, "invalid port %d: must be between 1 and 65535", cfg.Port)
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		cfg.AuthDir = DefaultAuthDir
	}
	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	switch cfg.Store.Type {
	case "":
		cfg.Store.Type = StoreTypeFile
	case StoreTypeFile, StoreTypeSQLite:
	case StoreTypePostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "store.dsn is required for the postgres store", nil)
		}
	default:
		return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, nil, "unknown store type %q", cfg.Store.Type)
	}
	cfg.Copilot = cfg.Copilot.Normalized()
	if err := cfg.Copilot.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to configFile atomically.
func SaveConfig(configFile string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeFileAtomic(configFile, data)
}

// SaveCopilotConfig replaces the copilot section of the configuration file, keeping every
// other setting as it is on disk.
func SaveCopilotConfig(configFile string, copilot CopilotConfig) error {
	cfg, err := LoadConfigOptional(configFile, true)
	if err != nil {
		return err
	}
	cfg.Copilot = copilot
	return SaveConfig(configFile, cfg)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
