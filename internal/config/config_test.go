package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestLoadConfig_ValidYAML(t *testing.T) {
	tests := []struct {
		name            string
		yaml            string
		wantPort        int
		wantCopilotPort int
		wantAccount     string
		wantStore       string
	}{
		{
			name:            "minimal valid config",
			yaml:            "port: 8080\n",
			wantPort:        8080,
			wantCopilotPort: DefaultCopilotPort,
			wantAccount:     AccountIndividual,
			wantStore:       StoreTypeFile,
		},
		{
			name: "copilot section with partial fields",
			yaml: `
port: 9000
copilot:
  enabled: true
  accountType: Business
`,
			wantPort:        9000,
			wantCopilotPort: DefaultCopilotPort,
			wantAccount:     AccountBusiness,
			wantStore:       StoreTypeFile,
		},
		{
			name: "sqlite store and custom copilot port",
			yaml: `
store:
  type: SQLite
copilot:
  port: 5151
`,
			wantPort:        DefaultManagementPort,
			wantCopilotPort: 5151,
			wantAccount:     AccountIndividual,
			wantStore:       StoreTypeSQLite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.yaml), 0o644))

			cfg, err := LoadConfig(configPath)
			require.NoError(t, err)
			require.Equal(t, tt.wantPort, cfg.Port)
			require.Equal(t, tt.wantCopilotPort, cfg.Copilot.Port)
			require.Equal(t, tt.wantAccount, cfg.Copilot.AccountType)
			require.Equal(t, tt.wantStore, cfg.Store.Type)
			require.Equal(t, DefaultAuthDir, cfg.AuthDir)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := LoadConfig(configPath)
	require.Error(t, err)

	cfg, err := LoadConfigOptional(configPath, true)
	require.NoError(t, err)
	require.Equal(t, DefaultCopilotConfig(), cfg.Copilot)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("port: [8080\n"), 0o644))

	_, err := LoadConfig(configPath)
	require.Error(t, err)

	cfg, err := LoadConfigOptional(configPath, true)
	require.NoError(t, err)
	require.Equal(t, DefaultManagementPort, cfg.Port)
}

func TestLoadConfig_RejectsInvalidCopilotSection(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("copilot:\n  port: 70000\n"), 0o644))

	_, err := LoadConfig(configPath)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
}

func TestValidateConfig_Store(t *testing.T) {
	tests := []struct {
		name    string
		store   StoreConfig
		wantErr bool
	}{
		{"empty defaults to file", StoreConfig{}, false},
		{"postgres without dsn", StoreConfig{Type: "postgres"}, true},
		{"postgres with dsn", StoreConfig{Type: "postgres", DSN: "postgres://localhost/copilot"}, false},
		{"unknown backend", StoreConfig{Type: "redis"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Store = tt.store
			_, err := ValidateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfig_NilConfig(t *testing.T) {
	_, err := ValidateConfig(nil)
	require.Error(t, err)
}

func TestCopilotConfig_Defaults(t *testing.T) {
	cfg := DefaultCopilotConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, 4141, cfg.Port)
	require.Equal(t, "individual", cfg.AccountType)
	require.Empty(t, cfg.GitHubToken)
	require.Nil(t, cfg.RateLimit)
	require.False(t, cfg.RateLimitWait)
	require.Equal(t, "http://localhost:4141", cfg.Endpoint())
}

func TestCopilotConfig_UnmarshalJSONAppliesDefaults(t *testing.T) {
	var cfg CopilotConfig
	require.NoError(t, json.Unmarshal([]byte(`{"enabled":true,"rateLimit":30}`), &cfg))

	require.True(t, cfg.Enabled)
	require.Equal(t, DefaultCopilotPort, cfg.Port)
	require.Equal(t, AccountIndividual, cfg.AccountType)
	require.NotNil(t, cfg.RateLimit)
	require.Equal(t, 30, *cfg.RateLimit)
}

func TestCopilotConfig_JSONUsesCamelCaseKeys(t *testing.T) {
	cfg := DefaultCopilotConfig()
	cfg.GitHubToken = "ghu_x"
	cfg.RateLimitWait = true

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"enabled", "port", "accountType", "githubToken", "rateLimit", "rateLimitWait"} {
		require.Contains(t, m, key)
	}
	require.Nil(t, m["rateLimit"])
}

func TestCopilotConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CopilotConfig)
		wantErr bool
	}{
		{"defaults", func(*CopilotConfig) {}, false},
		{"port out of range", func(c *CopilotConfig) { c.Port = 70000 }, true},
		{"port zero", func(c *CopilotConfig) { c.Port = 0 }, true},
		{"privileged port", func(c *CopilotConfig) { c.Port = 80 }, true},
		{"lowest unprivileged port", func(c *CopilotConfig) { c.Port = 1024 }, false},
		{"highest port", func(c *CopilotConfig) { c.Port = 65535 }, false},
		{"enterprise account", func(c *CopilotConfig) { c.AccountType = AccountEnterprise }, false},
		{"unknown account", func(c *CopilotConfig) { c.AccountType = "team" }, true},
		{"zero rate limit", func(c *CopilotConfig) { c.RateLimit = intPtr(0) }, true},
		{"positive rate limit", func(c *CopilotConfig) { c.RateLimit = intPtr(30) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCopilotConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperrors.ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestCopilotConfig_Normalized(t *testing.T) {
	cfg := CopilotConfig{Port: 4141, AccountType: "  ENTERPRISE ", GitHubToken: " ghu_x ", RateLimit: intPtr(5)}
	out := cfg.Normalized()

	require.Equal(t, AccountEnterprise, out.AccountType)
	require.Equal(t, "ghu_x", out.GitHubToken)
	*out.RateLimit = 9
	require.Equal(t, 5, *cfg.RateLimit, "normalized copy must not alias the rate limit")

	require.Equal(t, AccountIndividual, CopilotConfig{Port: 4141}.Normalized().AccountType)
}

func TestSaveCopilotConfig_PreservesOtherSettings(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("port: 9100\nauth-dir: /tmp/creds\n"), 0o644))

	updated := DefaultCopilotConfig()
	updated.Enabled = true
	updated.Port = 5000
	updated.RateLimit = intPtr(12)
	require.NoError(t, SaveCopilotConfig(configPath, updated))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, "/tmp/creds", cfg.AuthDir)
	require.True(t, cfg.Copilot.Enabled)
	require.Equal(t, 5000, cfg.Copilot.Port)
	require.Equal(t, 12, *cfg.Copilot.RateLimit)

	_, err = os.Stat(configPath + ".tmp")
	require.True(t, os.IsNotExist(err))
}
