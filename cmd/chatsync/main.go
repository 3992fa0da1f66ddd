package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Local   ConfigLocal   `toml:"local"`
}

// ConfigDefault holds general engine and service settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	LogLevel    string `toml:"log_level"`
	PageSize    int    `toml:"page_size"`
	MergeWindow string `toml:"merge_window"`
}

// ConfigAuth holds the session token and the actor to act as.
type ConfigAuth struct {
	Token   string `toml:"token"`
	ActorID string `toml:"actor_id"`
}

// ConfigLocal points at the SQLite database used with --local.
type ConfigLocal struct {
	Database string `toml:"database"`
}

// mergeWindow parses merge_window, returning 0 (engine default) when unset.
func (c *Config) mergeWindow() (time.Duration, error) {
	if c.Default.MergeWindow == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Default.MergeWindow)
	if err != nil {
		return 0, fmt.Errorf("invalid default.merge_window %q: %w", c.Default.MergeWindow, err)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides.
// A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// readConfigFile parses the file alone, without environment overrides, so
// that saving never persists a value that came from the environment.
func readConfigFile() (*Config, error) {
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

// envKeys maps CHATSYNC_* variables onto config keys.
var envKeys = map[string]string{
	"CHATSYNC_BASE_URL":     "default.base_url",
	"CHATSYNC_API_KEY":      "default.api_key",
	"CHATSYNC_LOG_LEVEL":    "default.log_level",
	"CHATSYNC_PAGE_SIZE":    "default.page_size",
	"CHATSYNC_MERGE_WINDOW": "default.merge_window",
	"CHATSYNC_TOKEN":        "auth.token",
	"CHATSYNC_ACTOR_ID":     "auth.actor_id",
	"CHATSYNC_DATABASE":     "local.database",
}

// applyEnv loads .env from the working directory (if present) and lets
// CHATSYNC_* variables override the file.
func applyEnv(cfg *Config) {
	_ = godotenv.Load()
	for env, key := range envKeys {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				fmt.Fprintf(os.Stderr, "Ignoring %s: %v\n", env, err)
			}
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "api_key":
			cfg.Default.APIKey = value
		case "log_level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Default.LogLevel = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			cfg.Default.PageSize = n
		case "merge_window":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("merge_window must be a duration such as 10s")
			}
			cfg.Default.MergeWindow = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "actor_id":
			cfg.Auth.ActorID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "local":
		switch field {
		case "database":
			cfg.Local.Database = value
		default:
			return fmt.Errorf("unknown field %q in section [local]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, local)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

// newLogger builds a console logger on stderr. --verbose wins over the
// configured level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.Default.LogLevel != "" {
		if l, err := zerolog.ParseLevel(cfg.Default.LogLevel); err == nil {
			level = l
		}
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose  bool
	useLocal bool
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Conversation sync CLI",
	Long:          "Command-line client for the conversation sync engine.\nRead and send messages against the hosted service or a local SQLite database.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging on stderr")
	rootCmd.PersistentFlags().BoolVar(&useLocal, "local", false, "Use the local SQLite database instead of the hosted service")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
