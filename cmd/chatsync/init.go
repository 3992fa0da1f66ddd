package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

var (
	initBaseURL string
	initActor   string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Hosted service URL")
	initCmd.Flags().StringVar(&initActor, "actor", "", "Act as this actor instead of the token's own")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		claims, err := chatsync.ParseTokenClaims(token)
		if err != nil {
			return fmt.Errorf("not a session token: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		cfg.Auth.ActorID = initActor
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s saved to %s\n", claims.Actor(), path)
		return nil
	},
}
