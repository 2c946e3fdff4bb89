package main

import (
	"context"
	"fmt"
	"time"

	"github.com/havenapp/havenchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service status",
	Long:  "Display the current configuration, check if the token is expired, and ping the chat service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, havenchat.DefaultBaseURL))
		fmt.Printf("  Realtime:    %s\n", valueOrDefault(cfg.Realtime.Path, havenchat.DefaultRealtimePath))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Default.CachePath, "(memory only)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not logged in)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = maskToken(cfg.Auth.Token)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus += fmt.Sprintf(" (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus += fmt.Sprintf(" (expires %s)", expires.Format(time.RFC3339))
				default:
					tokenStatus += fmt.Sprintf(" (EXPIRED %s)", expires.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		log := havenchat.NewLogger(cfg.Default.Debug)
		defer log.Sync()
		client, err := getClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Service:     unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Service:     ok")
		return nil
	},
}
