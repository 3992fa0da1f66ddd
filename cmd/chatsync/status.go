package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and decode the session token to show the actor and expiry.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:      %s\n", maskKey(cfg.Default.APIKey))
		}
		fmt.Printf("  Log level:    %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		pageSize := cfg.Default.PageSize
		if pageSize == 0 {
			pageSize = chatsync.DefaultPageSize
		}
		fmt.Printf("  Page size:    %d\n", pageSize)
		fmt.Printf("  Merge window: %s\n", valueOrDefault(cfg.Default.MergeWindow, chatsync.DefaultMergeWindow.String()))
		fmt.Printf("  Database:     %s\n", valueOrDefault(cfg.Local.Database, "~/.chatsync/chatsync.db"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:        (not set)")
			return nil
		}
		fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))

		claims, err := chatsync.ParseTokenClaims(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Claims:       unreadable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Token actor:  %s\n", claims.Actor())
		if cfg.Auth.ActorID != "" && chatsync.ActorID(cfg.Auth.ActorID) != claims.Actor() {
			fmt.Printf("  Acting as:    %s\n", cfg.Auth.ActorID)
		}

		tokenStatus := "valid (no expiry set)"
		if claims.ExpiresAt != nil {
			expires := claims.ExpiresAt.Time
			if time.Now().Before(expires) {
				tokenStatus = fmt.Sprintf("valid (expires %s)", humanize.Time(expires))
			} else {
				tokenStatus = fmt.Sprintf("EXPIRED (%s)", humanize.Time(expires))
			}
		}
		fmt.Printf("  Status:       %s\n", tokenStatus)
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
