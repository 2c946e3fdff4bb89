package havenchat

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// PebbleCache is a MessageCache persisted in a pebble database.
//
// Keys are "msg:<escaped conversation>/<message id>" and values are JSON
// messages. The conversation id is path-escaped so no id contains the '/'
// that ends another conversation's prefix.
type PebbleCache struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// OpenPebbleCache opens or creates the cache at path. opts may be nil; tests
// pass options with an in-memory FS.
func OpenPebbleCache(path string, opts *pebble.Options) (*PebbleCache, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open message cache %s", path)
	}
	return &PebbleCache{db: db}, nil
}

func conversationPrefix(conversationID string) string {
	return "msg:" + url.PathEscape(conversationID) + "/"
}

// conversationUpper is the exclusive upper bound of a conversation's keys;
// '0' sorts right after '/'.
func conversationUpper(conversationID string) string {
	return "msg:" + url.PathEscape(conversationID) + "0"
}

func (c *PebbleCache) Put(conversationID string, msgs []Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return pebble.ErrClosed
	}

	batch := c.db.NewBatch()
	defer batch.Close()

	prefix := conversationPrefix(conversationID)
	for _, m := range msgs {
		if m.ID == "" || isTempID(m.ID) {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			return errors.Wrapf(err, "encode message %s", m.ID)
		}
		if err := batch.Set([]byte(prefix+m.ID), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

func (c *PebbleCache) Load(conversationID string, limit int) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, pebble.ErrClosed
	}

	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(conversationPrefix(conversationID)),
		UpperBound: []byte(conversationUpper(conversationID)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create iterator")
	}
	defer iter.Close()

	var result []Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			// Skip entries written by an incompatible version.
			continue
		}
		result = append(result, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sortByTimestamp(result)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (c *PebbleCache) Search(conversationID, query string, limit int) ([]Message, error) {
	msgs, err := c.Load(conversationID, 0)
	if err != nil {
		return nil, err
	}
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

func (c *PebbleCache) Clear(conversationID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return pebble.ErrClosed
	}
	return c.db.DeleteRange(
		[]byte(conversationPrefix(conversationID)),
		[]byte(conversationUpper(conversationID)),
		pebble.Sync,
	)
}

func (c *PebbleCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
