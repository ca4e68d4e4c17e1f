package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pomi/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigAuth holds the bearer token and the identity it belongs to.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigRealtime tunes the websocket transport.
type ConfigRealtime struct {
	Disabled           bool `toml:"disabled"`
	AutoReconnect      bool `toml:"auto_reconnect"`
	HeartbeatSeconds   int  `toml:"heartbeat_seconds"`
	TypingQuietSeconds int  `toml:"typing_quiet_seconds"`
}

// envOverrides are read from the process environment (and .env) and win
// over the config file.
type envOverrides struct {
	BaseURL     string `env:"POMI_BASE_URL"`
	Token       string `env:"POMI_TOKEN"`
	UserID      string `env:"POMI_USER_ID"`
	Environment string `env:"POMI_ENV"`
	LogLevel    string `env:"POMI_LOG_LEVEL" envDefault:"warn"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.pomi, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pomi")
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

// loadEffectiveConfig is loadConfig with environment overrides applied.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ov, err := readEnv()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, ov)
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

func readEnv() (envOverrides, error) {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return ov, fmt.Errorf("cannot parse environment: %w", err)
	}
	return ov, nil
}

func applyEnv(cfg *Config, ov envOverrides) {
	if ov.BaseURL != "" {
		cfg.Default.BaseURL = ov.BaseURL
	}
	if ov.Environment != "" {
		cfg.Default.Environment = ov.Environment
	}
	if ov.Token != "" {
		cfg.Auth.Token = ov.Token
		cfg.Auth.TokenExpires = ""
	}
	if ov.UserID != "" {
		cfg.Auth.UserID = ov.UserID
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
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
		case "disabled", "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s expects true or false: %w", key, err)
			}
			if field == "disabled" {
				cfg.Realtime.Disabled = b
			} else {
				cfg.Realtime.AutoReconnect = b
			}
		case "heartbeat_seconds", "typing_quiet_seconds":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("%s expects a non-negative integer", key)
			}
			if field == "heartbeat_seconds" {
				cfg.Realtime.HeartbeatSeconds = n
			} else {
				cfg.Realtime.TypingQuietSeconds = n
			}
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:          "pomi",
	Short:        "Pomi messaging CLI",
	Long:         "Command-line interface for Pomi community messaging.\nManage configuration, read conversations, and chat in real time.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		ov, err := readEnv()
		if err != nil {
			return err
		}
		level := ov.LogLevel
		if verbose {
			level = "debug"
		}
		logger = newLogger(ov.Environment, level)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
