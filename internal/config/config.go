package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models medledger.yml.
type Config struct {
	Ledger struct {
		ID string `yaml:"id"`
	} `yaml:"ledger"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		AllowDevLogin bool   `yaml:"allow_dev_login"`
	} `yaml:"auth"`
	Verification struct {
		Secret string `yaml:"secret"`
	} `yaml:"verification"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one transition-notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Statuses       []string `yaml:"statuses"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Default returns a usable config for a fresh workspace. Secrets are left
// empty and are expected from MEDLEDGER_JWT_SECRET / MEDLEDGER_VERIFY_SECRET.
func Default(ledgerID string) *Config {
	cfg := &Config{}
	cfg.Ledger.ID = ledgerID
	cfg.Server.BasePath = "/v0"
	return cfg
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist. Env secrets override file values.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default("medledger")
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("MEDLEDGER_JWT_SECRET")); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("MEDLEDGER_VERIFY_SECRET")); v != "" {
		c.Verification.Secret = v
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.ID == "" {
		c.Ledger.ID = "medledger"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "medledger.yml")
}
