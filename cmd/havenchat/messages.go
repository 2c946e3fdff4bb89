package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/havenapp/havenchat"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	messagesGroup bool
	messagesJSON  bool

	// messages list
	messagesListLimit  int
	messagesListBefore string
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read and send messages over plain requests",
	Long:  "Read conversation history and send single messages without opening a realtime connection.",
}

// ============================================================================
// messages list
// ============================================================================

var messagesListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "Print the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		log := havenchat.NewLogger(cfg.Default.Debug)
		defer log.Sync()
		client, err := getClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *havenchat.ListOptions
		if messagesListLimit > 0 || messagesListBefore != "" {
			opts = &havenchat.ListOptions{Limit: messagesListLimit, Before: messagesListBefore}
		}
		msgs, err := client.Conversation(conversationKind(messagesGroup)).History(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// messages send
// ============================================================================

var messagesSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send one message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		log := havenchat.NewLogger(cfg.Default.Debug)
		defer log.Sync()
		client, err := getClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		m, err := client.Conversation(conversationKind(messagesGroup)).PostMessage(ctx, conversationID, &havenchat.PostRequest{
			Content:  content,
			Metadata: map[string]any{"clientId": uuid.NewString()},
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			return printJSON(m)
		}
		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", m.ID)
		fmt.Printf("  Content:    %s\n", m.Content)
		return nil
	},
}

func init() {
	messagesCmd.PersistentFlags().BoolVar(&messagesGroup, "group", false, "Conversation is a group")
	messagesCmd.PersistentFlags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	messagesListCmd.Flags().IntVarP(&messagesListLimit, "limit", "n", 0, "Maximum number of messages to return")
	messagesListCmd.Flags().StringVar(&messagesListBefore, "before", "", "Only messages before this message id")

	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesSendCmd)
	rootCmd.AddCommand(messagesCmd)
}
