package main

import (
	"fmt"

	"github.com/havenapp/havenchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage havenchat configuration",
	Long:  "View or modify the havenchat configuration stored in ~/.havenchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print every setting as the chat session will see it, after HAVENCHAT_* overrides.\n" +
		"Settings that come from the environment are marked (env).",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := loadConfig()
		if err != nil {
			return err
		}
		effective, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("# %s\n", path)

		for _, key := range configKeys {
			value, _ := getConfigValue(effective, key)
			stored, _ := getConfigValue(file, key)
			note := ""
			switch {
			case value != stored:
				note = "  (env)"
			case value == "":
				value = "(default)"
			}
			fmt.Printf("%-33s %s%s\n", key, value, note)
		}

		scfg := havenchat.Config{
			BaseURL:              effective.Default.BaseURL,
			RealtimePath:         effective.Realtime.Path,
			MaxReconnectAttempts: effective.Realtime.MaxReconnectAttempts,
		}
		fmt.Println()
		fmt.Printf("%-33s %s\n", "realtime endpoint", scfg.RealtimeURL())
		if err := scfg.Validate(); err != nil {
			fmt.Printf("%-33s %v\n", "problem", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Connection settings are checked before the file is written.\n" +
		"Example: havenchat config set realtime.max_reconnect_attempts 8",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if _, err := sessionConfig(cfg, nil); err != nil {
			return fmt.Errorf("%s not saved: %w", key, err)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown, _ := getConfigValue(cfg, key)
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}
