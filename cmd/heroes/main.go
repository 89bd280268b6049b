package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.heroes/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Storage ConfigStorage `toml:"storage"`
}

// ConfigDefault holds the account and endpoint.
type ConfigDefault struct {
	Token   string `toml:"token"`
	BaseURL string `toml:"base_url"`
	UserID  string `toml:"user_id"`
	Role    string `toml:"role"`
}

// ConfigStorage selects where the offline queue is persisted.
type ConfigStorage struct {
	Driver      string `toml:"driver"` // memory, sqlite or redis
	Path        string `toml:"path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.heroes, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".heroes")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// resolveConfig loads the file and applies HEROES_* overrides from the
// environment (and a .env file in the working directory, if present).
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()

	overrides := map[string]string{
		"HEROES_TOKEN":        "default.token",
		"HEROES_BASE_URL":     "default.base_url",
		"HEROES_USER_ID":      "default.user_id",
		"HEROES_ROLE":         "default.role",
		"HEROES_STORE":        "storage.driver",
		"HEROES_STORE_PATH":   "storage.path",
		"HEROES_REDIS_ADDR":   "storage.redis_addr",
		"HEROES_REDIS_PREFIX": "storage.redis_prefix",
	}
	for env, key := range overrides {
		if v := os.Getenv(env); v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "user_id":
			cfg.Default.UserID = value
		case "role":
			if value != "civilian" && value != "hero" {
				return fmt.Errorf("role must be civilian or hero, got %q", value)
			}
			cfg.Default.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "storage":
		switch field {
		case "driver":
			if value != "memory" && value != "sqlite" && value != "redis" {
				return fmt.Errorf("storage driver must be memory, sqlite or redis, got %q", value)
			}
			cfg.Storage.Driver = value
		case "path":
			cfg.Storage.Path = value
		case "redis_addr":
			cfg.Storage.RedisAddr = value
		case "redis_prefix":
			cfg.Storage.RedisPrefix = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, storage)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "heroes",
	Short: "Heroes marketplace sync CLI",
	Long:  "Command-line interface for the Heroes client sync layer.\nManage configuration, service requests, chat and the offline queue.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
