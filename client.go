// Package havenchat is the realtime messaging layer of the Haven chat client.
//
// It keeps one duplex connection bound to the open conversation, falls back
// to plain HTTP requests when that connection is unavailable, and reconciles
// optimistic sends with what the server confirms.
//
// Example:
//
//	tokens := havenchat.NewMemoryTokens(havenchat.DefaultTokenKey, jwt)
//	client := havenchat.NewClient(tokens, havenchat.WithBaseURL("https://api.example.com"))
//	session := client.NewSession("user-1", havenchat.ConversationDirect, nil)
//	defer session.Close()
//
//	if err := session.Bind(ctx, "conv-42"); err != nil {
//		log.Printf("realtime unavailable, using fallback: %v", err)
//	}
//	session.SendMessage(ctx, "hello", nil)
package havenchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP client for the chat REST endpoints. It backs history
// loading and the fallback send path.
type Client struct {
	baseURL    string
	tokens     TokenSource
	tokenKey   string
	httpClient *http.Client
	log        *zap.Logger

	Direct *ConversationAPI
	Groups *ConversationAPI
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTokenKey(key string) ClientOption {
	return func(c *Client) { c.tokenKey = key }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client that reads its credential from tokens on
// every request.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		tokens:   tokens,
		tokenKey: DefaultTokenKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = componentLogger(c.log, "rest")
	c.Direct = &ConversationAPI{client: c, prefix: "/api/chat/direct"}
	c.Groups = &ConversationAPI{client: c, prefix: "/api/chat/groups"}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// Tokens returns the token source the client reads from.
func (c *Client) Tokens() TokenSource { return c.tokens }

// Conversation returns the API for the given conversation kind.
func (c *Client) Conversation(kind ConversationKind) *ConversationAPI {
	if kind == ConversationGroup {
		return c.Groups
	}
	return c.Direct
}

// Health checks that the chat service is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	token, err := c.tokens.Token(ctx, c.tokenKey)
	if err != nil || token == "" {
		return nil, newError(method+" "+path, ErrAuthTokenMissing, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	c.log.Debug("request done",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var body struct {
		Code    string    `json:"code"`
		Message string    `json:"message"`
		Error   *APIError `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Error != nil:
			apiErr.Code, apiErr.Message = body.Error.Code, body.Error.Message
		case body.Message != "":
			apiErr.Code, apiErr.Message = body.Code, body.Message
		}
	}
	if apiErr.Code == "" {
		apiErr.Code = fmt.Sprintf("HTTP_%d", status)
	}
	return apiErr
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind selects the REST surface of a conversation.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// ListOptions pages through history.
type ListOptions struct {
	Limit  int
	Before string
}

// ConversationAPI is the REST surface for one conversation kind.
type ConversationAPI struct {
	client *Client
	prefix string
}

func (a *ConversationAPI) messagesPath(conversationID string) string {
	return a.prefix + "/" + url.PathEscape(conversationID) + "/messages"
}

// ListMessages returns the conversation history.
func (a *ConversationAPI) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return a.History(ctx, conversationID, nil)
}

// History returns one page of history.
func (a *ConversationAPI) History(ctx context.Context, conversationID string, opts *ListOptions) ([]Message, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = fmt.Sprintf("%d", opts.Limit)
		}
		if opts.Before != "" {
			query["before"] = opts.Before
		}
	}
	data, err := a.client.doRequest(ctx, http.MethodGet, a.messagesPath(conversationID), nil, query)
	if err != nil {
		return nil, err
	}
	return decodeMessageList(data, conversationID)
}

// PostMessage sends a message and returns the stored copy.
func (a *ConversationAPI) PostMessage(ctx context.Context, conversationID string, req *PostRequest) (*Message, error) {
	if req.Kind == "" {
		req.Kind = KindText
	}
	data, err := a.client.doRequest(ctx, http.MethodPost, a.messagesPath(conversationID), req, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessageReply(data, conversationID)
}

// Collaborators returns the history and send calls for a reconciler.
func (a *ConversationAPI) Collaborators() Collaborators {
	return Collaborators{
		ListMessages: a.ListMessages,
		PostMessage:  a.PostMessage,
	}
}
