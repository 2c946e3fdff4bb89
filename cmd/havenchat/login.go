package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginUserID string

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "Your user id (required)")
	_ = loginCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token in ~/.havenchat/config.toml",
	Long:  "Store the bearer token and user id used for chat requests and the realtime connection.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = loginUserID

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s saved to %s\n", loginUserID, path)
		return nil
	},
}
