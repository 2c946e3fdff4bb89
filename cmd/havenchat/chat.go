package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/havenapp/havenchat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	chatGroup       bool
	chatMetricsAddr string
	chatCachePath   string
)

func init() {
	chatCmd.Flags().BoolVar(&chatGroup, "group", false, "Conversation is a group")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	chatCmd.Flags().StringVar(&chatCachePath, "cache", "", "Directory of the local message cache")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a live chat session",
	Long: "Bind to a conversation and chat interactively. Lines typed are sent as messages.\n" +
		"Commands: /retry <message-id>, /read <message-id>, /reconnect, /quit.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("no user id: run 'havenchat login <token> --user-id <id>' first")
		}
		log := havenchat.NewLogger(cfg.Default.Debug)
		defer log.Sync()

		scfg, err := sessionConfig(cfg, log)
		if err != nil {
			return err
		}
		client, err := getClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if chatMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			scfg.Metrics = havenchat.NewMetrics(reg)
			srv := serveMetrics(chatMetricsAddr, reg, log)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}

		if path := valueOrDefault(chatCachePath, cfg.Default.CachePath); path != "" {
			cache, err := havenchat.OpenPebbleCache(path, nil)
			if err != nil {
				return err
			}
			defer cache.Close()
			scfg.Cache = cache
		}

		session := client.NewSession(cfg.Auth.UserID, conversationKind(chatGroup), scfg)
		defer session.Close()
		return runChat(ctx, session, args[0], log)
	},
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// transcript prints each message once, and again when its status changes.
type transcript struct {
	mu      sync.Mutex
	printed map[string]havenchat.MessageStatus
}

func (t *transcript) update(msgs []havenchat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if st, ok := t.printed[m.ID]; ok && st == m.Status {
			continue
		}
		t.printed[m.ID] = m.Status
		if m.IsOptimistic() {
			continue
		}
		fmt.Printf("%s  #%s\n", formatMessage(m), m.ID)
	}
}

func runChat(ctx context.Context, session *havenchat.Session, conversationID string, log *zap.Logger) error {
	tr := &transcript{printed: make(map[string]havenchat.MessageStatus)}
	session.OnMessagesChange(tr.update)
	session.OnConnectionChange(func(connected bool) {
		if connected {
			fmt.Fprintln(os.Stderr, "* connected")
		} else {
			fmt.Fprintln(os.Stderr, "* disconnected, messages go over plain requests")
		}
	})
	session.OnTypingChange(func(typing bool) {
		if typing {
			fmt.Fprintln(os.Stderr, "* typing...")
		}
	})
	session.OnError(func(err error) {
		if errors.Is(err, havenchat.ErrCircuitOpen) {
			fmt.Fprintln(os.Stderr, "* gave up reconnecting; type /reconnect to try again")
		}
	})

	if err := session.Bind(ctx, conversationID); err != nil {
		log.Warn("bind incomplete", zap.Error(err))
	}
	tr.update(session.Messages())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, session, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, session *havenchat.Session, line string) bool {
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true
	case "/reconnect":
		if err := session.Reconnect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "* reconnect failed: %v\n", err)
		}
	case "/retry":
		if _, err := session.Retry(ctx, arg); err != nil {
			fmt.Fprintf(os.Stderr, "* retry failed: %v\n", err)
		}
	case "/read":
		if !session.SendReadReceipt(ctx, arg) {
			fmt.Fprintln(os.Stderr, "* read receipt not sent (not connected)")
		}
	default:
		m, err := session.SendMessage(ctx, line, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "* not delivered, /retry %s to try again: %v\n", m.ID, err)
		}
	}
	return false
}
