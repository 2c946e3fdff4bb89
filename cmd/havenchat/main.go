package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.havenchat/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	Debug     bool   `toml:"debug"`
	CachePath string `toml:"cache_path"`
}

// ConfigAuth holds the stored credential.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigRealtime tunes the duplex connection.
type ConfigRealtime struct {
	Path                 string `toml:"path"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.havenchat (or $HAVENCHAT_CONFIG_DIR),
// creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("HAVENCHAT_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".havenchat")
	}
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

// loadConfig reads the config file. A missing file is an empty config; keys
// this version does not know are rejected so a typo in a realtime setting
// does not silently fall back to the default.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			keys := make([]string, 0, len(strict.Errors))
			for _, e := range strict.Errors {
				keys = append(keys, strings.Join(e.Key(), "."))
			}
			return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

// saveConfig writes the config next to the old one and renames it into
// place, so an interrupted write never leaves a truncated token behind.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cannot replace config: %w", err)
	}
	return nil
}

// applyEnv overrides file values with HAVENCHAT_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HAVENCHAT_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("HAVENCHAT_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("HAVENCHAT_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
	if v := os.Getenv("HAVENCHAT_CACHE_PATH"); v != "" {
		cfg.Default.CachePath = v
	}
	if v, err := strconv.ParseBool(os.Getenv("HAVENCHAT_DEBUG")); err == nil {
		cfg.Default.Debug = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "debug":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("default.debug must be true or false")
			}
			cfg.Default.Debug = b
		case "cache_path":
			cfg.Default.CachePath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "path":
			cfg.Realtime.Path = value
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("realtime.max_reconnect_attempts must be a positive integer")
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// configKeys lists every settable key in display order.
var configKeys = []string{
	"default.base_url",
	"default.debug",
	"default.cache_path",
	"auth.user_id",
	"auth.token",
	"auth.token_expires",
	"realtime.path",
	"realtime.max_reconnect_attempts",
}

// getConfigValue reads a field using the same dot notation as setConfigValue.
// The token is masked.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.debug":
		return strconv.FormatBool(cfg.Default.Debug), nil
	case "default.cache_path":
		return cfg.Default.CachePath, nil
	case "auth.user_id":
		return cfg.Auth.UserID, nil
	case "auth.token":
		if cfg.Auth.Token == "" {
			return "", nil
		}
		return maskToken(cfg.Auth.Token), nil
	case "auth.token_expires":
		return cfg.Auth.TokenExpires, nil
	case "realtime.path":
		return cfg.Realtime.Path, nil
	case "realtime.max_reconnect_attempts":
		if cfg.Realtime.MaxReconnectAttempts == 0 {
			return "", nil
		}
		return strconv.Itoa(cfg.Realtime.MaxReconnectAttempts), nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "havenchat",
	Short: "Haven chat CLI",
	Long:  "Command-line client for Haven conversations.\nLog in, read history, send messages, and open a live chat session.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
