package havenchat

import (
	"context"
	"sync"
)

// TokenSource reads the bearer credential from secure storage. An empty
// token with a nil error means the credential is absent.
type TokenSource interface {
	Token(ctx context.Context, key string) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context, key string) (string, error)

func (f TokenFunc) Token(ctx context.Context, key string) (string, error) {
	return f(ctx, key)
}

// MemoryTokens is a goroutine-safe in-memory TokenSource.
type MemoryTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemoryTokens returns a MemoryTokens holding token under key.
func NewMemoryTokens(key, token string) *MemoryTokens {
	t := &MemoryTokens{tokens: make(map[string]string)}
	if token != "" {
		t.tokens[key] = token
	}
	return t
}

func (t *MemoryTokens) Token(_ context.Context, key string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tokens[key], nil
}

// Set stores or, with an empty token, removes the credential for key.
func (t *MemoryTokens) Set(key, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if token == "" {
		delete(t.tokens, key)
		return
	}
	t.tokens[key] = token
}
