package havenchat

import (
	"sort"
	"strings"
	"sync"
)

// MessageCache is a local copy of authoritative messages, used to seed a
// conversation when the history request fails. Optimistic entries are never
// cached.
type MessageCache interface {
	// Put upserts messages by id.
	Put(conversationID string, msgs []Message) error
	// Load returns the cached messages of a conversation, oldest first.
	Load(conversationID string, limit int) ([]Message, error)
	// Search returns cached messages whose content contains query.
	Search(conversationID, query string, limit int) ([]Message, error)
	Clear(conversationID string) error
	Close() error
}

// MemoryCache is a goroutine-safe in-memory MessageCache.
type MemoryCache struct {
	mu            sync.RWMutex
	conversations map[string]map[string]Message
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{conversations: make(map[string]map[string]Message)}
}

func (c *MemoryCache) Put(conversationID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.conversations[conversationID]
	if conv == nil {
		conv = make(map[string]Message)
		c.conversations[conversationID] = conv
	}
	for _, m := range msgs {
		if m.ID == "" || isTempID(m.ID) {
			continue
		}
		conv[m.ID] = m
	}
	return nil
}

func (c *MemoryCache) Load(conversationID string, limit int) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Message, 0, len(c.conversations[conversationID]))
	for _, m := range c.conversations[conversationID] {
		result = append(result, m)
	}
	sortByTimestamp(result)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (c *MemoryCache) Search(conversationID, query string, limit int) ([]Message, error) {
	msgs, _ := c.Load(conversationID, 0)
	q := strings.ToLower(query)
	var results []Message
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Content), q) {
			results = append(results, m)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (c *MemoryCache) Clear(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conversations, conversationID)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

func sortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
