package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/havenapp/havenchat"
	"go.uber.org/zap"
)

// loadEffectiveConfig reads the config file and applies environment overrides.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// getClient creates a REST client authenticated with the stored token.
func getClient(cfg *Config, log *zap.Logger) (*havenchat.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token: run 'havenchat login <token> --user-id <id>' first")
	}
	opts := []havenchat.ClientOption{havenchat.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, havenchat.WithBaseURL(cfg.Default.BaseURL))
	}
	tokens := havenchat.NewMemoryTokens(havenchat.DefaultTokenKey, cfg.Auth.Token)
	return havenchat.NewClient(tokens, opts...), nil
}

// sessionConfig maps the CLI config onto the library config and rejects
// settings the realtime connection cannot use.
func sessionConfig(cfg *Config, log *zap.Logger) (*havenchat.Config, error) {
	scfg := &havenchat.Config{
		BaseURL:              cfg.Default.BaseURL,
		RealtimePath:         cfg.Realtime.Path,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		Logger:               log,
	}
	if err := scfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return scfg, nil
}

func conversationKind(group bool) havenchat.ConversationKind {
	if group {
		return havenchat.ConversationGroup
	}
	return havenchat.ConversationDirect
}

func formatMessage(m havenchat.Message) string {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", m.Timestamp.Local().Format(time.Kitchen), sender, m.Content, m.Status)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
