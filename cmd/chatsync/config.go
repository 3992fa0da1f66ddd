package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_* environment variables and a .env file override the stored values.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.page_size 50",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of one key",
	Long:  "Print a configuration value after environment overrides.\nExample: chatsync config get default.page_size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		v, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		if args[0] == "auth.token" && v != "" {
			v = maskKey(v)
		}
		fmt.Println(v)
		return nil
	},
}

// getConfigValue reads a config field using the same dot notation as
// setConfigValue.
func getConfigValue(cfg *Config, key string) (string, error) {
	values := map[string]string{
		"default.base_url":     cfg.Default.BaseURL,
		"default.api_key":      cfg.Default.APIKey,
		"default.log_level":    cfg.Default.LogLevel,
		"default.merge_window": cfg.Default.MergeWindow,
		"auth.token":           cfg.Auth.Token,
		"auth.actor_id":        cfg.Auth.ActorID,
		"local.database":       cfg.Local.Database,
	}
	if key == "default.page_size" {
		if cfg.Default.PageSize == 0 {
			return "", nil
		}
		return strconv.Itoa(cfg.Default.PageSize), nil
	}
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return v, nil
}
