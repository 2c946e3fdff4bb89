package havenchat

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL      = "https://api.haven.chat"
	DefaultRealtimePath = "/ws/chat"
	DefaultTokenKey     = "authToken"
	DefaultTimeout      = 30 * time.Second
)

// Config configures a Session and the components it owns. Zero values are
// replaced by defaults.
type Config struct {
	BaseURL      string
	RealtimePath string
	// TokenKey is the key looked up in the TokenSource.
	TokenKey string

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMultiplier  float64
	MaxReconnectAttempts int

	// BindGracePeriod bounds how long a send waits for a best-effort bind
	// before it takes the fallback path.
	BindGracePeriod time.Duration
	// BindRateLimit caps best-effort binds started from the send path.
	BindRateLimit rate.Limit
	BindBurst     int

	TypingTimeout  time.Duration
	TypingDebounce time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
	Cache      MessageCache
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RealtimePath == "" {
		c.RealtimePath = DefaultRealtimePath
	}
	if c.TokenKey == "" {
		c.TokenKey = DefaultTokenKey
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = 1.5
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BindGracePeriod == 0 {
		c.BindGracePeriod = 2 * time.Second
	}
	if c.BindRateLimit == 0 {
		c.BindRateLimit = rate.Every(time.Second)
	}
	if c.BindBurst == 0 {
		c.BindBurst = 1
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = 1500 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate reports configuration that cannot work. Unset fields are checked
// at their defaults; c itself is not modified.
func (c *Config) Validate() error {
	v := *c
	v.defaults()
	return v.validate()
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", c.BaseURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if !strings.HasPrefix(c.RealtimePath, "/") {
		return fmt.Errorf("realtime path must start with '/': %q", c.RealtimePath)
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1, got %v", c.ReconnectMultiplier)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is below base delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max reconnect attempts must be positive, got %d", c.MaxReconnectAttempts)
	}
	return nil
}

// realtimeEndpoint builds the duplex URL for a conversation. The credential and
// the conversation travel as query parameters.
func (c *Config) realtimeEndpoint(token, conversationID string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("conversationId", conversationID)
	return c.realtimeBase() + "?" + q.Encode()
}

func (c *Config) realtimeBase() string {
	base := strings.Replace(c.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + c.RealtimePath
}

// RealtimeURL is the duplex endpoint without credentials or conversation,
// with unset fields at their defaults.
func (c *Config) RealtimeURL() string {
	v := *c
	v.defaults()
	return v.realtimeBase()
}

// redactEndpoint masks the token query parameter so the endpoint can be logged.
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Get("token") != "" {
		q.Set("token", "REDACTED")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
