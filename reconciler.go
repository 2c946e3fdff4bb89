package havenchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tempIDPrefix = "temp-"

func isTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// ListMessagesFunc fetches the history of a conversation.
type ListMessagesFunc func(ctx context.Context, conversationID string) ([]Message, error)

// PostMessageFunc sends one message over the request/response path and
// returns the server's copy.
type PostMessageFunc func(ctx context.Context, conversationID string, req *PostRequest) (*Message, error)

// Collaborators is the pair of request/response calls for one conversation
// kind (direct or group).
type Collaborators struct {
	ListMessages ListMessagesFunc
	PostMessage  PostMessageFunc
}

// outgoing is what was asked to be sent, kept so a failed message can be
// sent again.
type outgoing struct {
	content  string
	kind     MessageKind
	clientID string
	opts     SendOptions
}

// MessageReconciler keeps the visible message list of the bound conversation.
// It merges optimistic sends with server echoes and fallback replies so each
// message appears once, and moves each message through its delivery states.
type MessageReconciler struct {
	selfID  string
	api     Collaborators
	cache   MessageCache
	log     *zap.Logger
	metrics *Metrics

	mu             sync.Mutex
	conversationID string
	messages       []*Message
	pending        map[string]*outgoing
	loaded         bool
	lastTemp       int64

	// emitMu hands a snapshot from mu to the subscribers so snapshots are
	// delivered in mutation order.
	emitMu   sync.Mutex
	onChange subscribers[[]Message]
}

// NewMessageReconciler creates a reconciler for the user selfID. cfg may be nil.
func NewMessageReconciler(selfID string, api Collaborators, cfg *Config) *MessageReconciler {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	r := &MessageReconciler{
		selfID:  selfID,
		api:     api,
		cache:   c.Cache,
		log:     componentLogger(c.Logger, "reconciler"),
		metrics: c.Metrics,
		pending: make(map[string]*outgoing),
	}
	r.onChange.log = r.log
	return r
}

// OnChange registers fn to receive a snapshot after every list change.
// fn must not mutate the reconciler synchronously.
func (r *MessageReconciler) OnChange(fn func([]Message)) func() {
	return r.onChange.add(fn)
}

// Messages returns a snapshot of the visible list.
func (r *MessageReconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// ConversationID returns the conversation the list belongs to.
func (r *MessageReconciler) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// Reset drops the list and switches to conversationID. This is the only way
// entries are deleted other than a retry.
func (r *MessageReconciler) Reset(conversationID string) {
	r.mu.Lock()
	r.conversationID = conversationID
	r.messages = nil
	r.pending = make(map[string]*outgoing)
	r.loaded = false
	r.publishLocked()
}

// ============================================================================
// History
// ============================================================================

// Load fetches the conversation history and merges it into the list. The
// first successful or failed Load allows optimistic inserts. When the request
// fails the list is seeded from the cache, if any, and the request error is
// returned.
func (r *MessageReconciler) Load(ctx context.Context) error {
	r.mu.Lock()
	conversationID := r.conversationID
	r.mu.Unlock()
	if conversationID == "" {
		return newError("load history", ErrNotReady, fmt.Errorf("no conversation"))
	}

	history, err := r.api.ListMessages(ctx, conversationID)
	if err != nil {
		r.log.Warn("history request failed", zap.String("conversation_id", conversationID), zap.Error(err))
		err = newError("load history", ErrTransport, err)
		if r.cache != nil {
			cached, cerr := r.cache.Load(conversationID, 0)
			if cerr != nil {
				r.log.Warn("cache load failed", zap.Error(cerr))
			}
			history = cached
		}
	}

	sorted := append([]Message(nil), history...)
	sortByTimestamp(sorted)

	r.mu.Lock()
	if r.conversationID != conversationID {
		// Torn down while loading.
		r.mu.Unlock()
		return err
	}
	for i := range sorted {
		m := sorted[i]
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		_, _ = r.applyAuthoritativeLocked(&m)
	}
	r.loaded = true
	r.publishLocked()
	return err
}

// ============================================================================
// Optimistic inserts
// ============================================================================

// InsertOptimistic appends a sending entry under a fresh temporary id. If the
// same content from this user is already sending, the existing entry is
// returned with ErrDuplicateSuppressed.
func (r *MessageReconciler) InsertOptimistic(content string, opts *SendOptions) (Message, error) {
	return r.insert(&outgoing{content: content, kind: KindText, clientID: newClientID(), opts: sendOptionsValue(opts)})
}

func newClientID() string {
	return uuid.NewString()
}

func (r *MessageReconciler) insert(out *outgoing) (Message, error) {
	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return Message{}, newError("send", ErrNotReady, nil)
	}
	for _, m := range r.messages {
		if m.Status == StatusSending && m.SenderID == r.selfID && m.Content == out.content {
			dup := *m
			r.mu.Unlock()
			r.metrics.duplicateSuppressed()
			return dup, ErrDuplicateSuppressed
		}
	}

	meta := make(map[string]any, len(out.opts.Metadata)+2)
	for k, v := range out.opts.Metadata {
		meta[k] = v
	}
	if out.opts.AttachmentID != "" {
		meta["attachmentId"] = out.opts.AttachmentID
	}
	meta["clientId"] = out.clientID

	m := &Message{
		ID:             r.nextTempIDLocked(),
		ClientID:       out.clientID,
		ConversationID: r.conversationID,
		SenderID:       r.selfID,
		Content:        out.content,
		Timestamp:      time.Now().UTC(),
		Kind:           out.kind,
		Status:         StatusSending,
		Metadata:       meta,
	}
	r.messages = append(r.messages, m)
	r.pending[m.ID] = out
	result := *m
	r.publishLocked()
	return result, nil
}

func (r *MessageReconciler) nextTempIDLocked() string {
	n := time.Now().UnixNano()
	if n <= r.lastTemp {
		n = r.lastTemp + 1
	}
	r.lastTemp = n
	return fmt.Sprintf("%s%d", tempIDPrefix, n)
}

// ============================================================================
// Authoritative updates
// ============================================================================

// ApplyInbound merges a message received on the duplex channel. It absorbs
// the matching optimistic entry when there is one, and returns
// ErrDuplicateSuppressed when the durable id is already listed.
func (r *MessageReconciler) ApplyInbound(m Message) error {
	r.mu.Lock()
	if r.conversationID == "" || (m.ConversationID != "" && m.ConversationID != r.conversationID) {
		r.mu.Unlock()
		return ErrConversationMismatch
	}
	if m.ConversationID == "" {
		m.ConversationID = r.conversationID
	}
	changed, err := r.applyAuthoritativeLocked(&m)
	if !changed {
		r.mu.Unlock()
		return err
	}
	r.publishLocked()
	return err
}

// applyAuthoritativeLocked reports whether the list changed.
func (r *MessageReconciler) applyAuthoritativeLocked(m *Message) (bool, error) {
	if m.Status.rank() < StatusSent.rank() {
		m.Status = StatusSent
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	if i := r.indexLocked(m.ID); i >= 0 {
		r.metrics.duplicateSuppressed()
		return r.advanceLocked(i, m.Status), ErrDuplicateSuppressed
	}

	if i := r.matchOptimisticLocked(m); i >= 0 {
		old := r.messages[i]
		absorbed := *m
		absorbed.ClientID = old.ClientID
		if absorbed.Metadata == nil {
			absorbed.Metadata = old.Metadata
		}
		r.messages[i] = &absorbed
		r.reorderLocked(i)
		delete(r.pending, old.ID)
		r.log.Debug("absorbed optimistic message", zap.String("temp_id", old.ID), zap.String("id", m.ID))
		return true, nil
	}

	inserted := *m
	r.insertOrderedLocked(&inserted)
	return true, nil
}

// insertOrderedLocked places m before the first authoritative entry stamped
// later than it, or at the tail.
func (r *MessageReconciler) insertOrderedLocked(m *Message) {
	pos := len(r.messages)
	for i, e := range r.messages {
		if !isTempID(e.ID) && e.Timestamp.After(m.Timestamp) {
			pos = i
			break
		}
	}
	r.messages = append(r.messages, nil)
	copy(r.messages[pos+1:], r.messages[pos:])
	r.messages[pos] = m
}

// reorderLocked moves the authoritative entry at i when its timestamp no
// longer fits between its authoritative neighbours.
func (r *MessageReconciler) reorderLocked(i int) {
	m := r.messages[i]
	for j := i - 1; j >= 0; j-- {
		if e := r.messages[j]; !isTempID(e.ID) {
			if e.Timestamp.After(m.Timestamp) {
				r.removeLocked(i)
				r.insertOrderedLocked(m)
				return
			}
			break
		}
	}
	for j := i + 1; j < len(r.messages); j++ {
		if e := r.messages[j]; !isTempID(e.ID) {
			if m.Timestamp.After(e.Timestamp) {
				r.removeLocked(i)
				r.insertOrderedLocked(m)
			}
			return
		}
	}
}

// matchOptimisticLocked finds the sending entry an authoritative message
// confirms. A client id match is exact. Without a client id the oldest
// sending entry with the same sender and content is taken, which cannot tell
// apart two identical messages sent in quick succession.
func (r *MessageReconciler) matchOptimisticLocked(m *Message) int {
	if m.ClientID != "" {
		for i, e := range r.messages {
			if e.Status == StatusSending && isTempID(e.ID) && e.ClientID == m.ClientID {
				return i
			}
		}
		return -1
	}
	for i, e := range r.messages {
		if e.Status == StatusSending && isTempID(e.ID) &&
			e.SenderID == m.SenderID && e.Content == m.Content &&
			e.ConversationID == m.ConversationID {
			return i
		}
	}
	return -1
}

// ResolveFallback applies the reply of a fallback send to the entry inserted
// under tempID. If a duplex echo already absorbed that entry the reply is
// discarded and ErrDuplicateSuppressed is returned.
func (r *MessageReconciler) ResolveFallback(tempID string, confirmed Message) error {
	r.mu.Lock()
	i := r.indexLocked(tempID)
	if i < 0 || r.messages[i].Status != StatusSending {
		r.mu.Unlock()
		r.metrics.duplicateSuppressed()
		return ErrDuplicateSuppressed
	}
	old := r.messages[i]

	if j := r.indexLocked(confirmed.ID); j >= 0 {
		// The echo was listed on its own; drop the optimistic copy.
		r.removeLocked(i)
		delete(r.pending, tempID)
		r.publishLocked()
		r.metrics.duplicateSuppressed()
		return ErrDuplicateSuppressed
	}

	m := confirmed
	m.ClientID = old.ClientID
	if m.ConversationID == "" {
		m.ConversationID = old.ConversationID
	}
	if m.SenderID == "" {
		m.SenderID = old.SenderID
	}
	if m.Content == "" {
		m.Content = old.Content
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = old.Timestamp
	}
	if m.Kind == "" {
		m.Kind = old.Kind
	}
	if m.Metadata == nil {
		m.Metadata = old.Metadata
	}
	if m.Status.rank() < StatusSent.rank() {
		m.Status = StatusSent
	}
	r.messages[i] = &m
	r.reorderLocked(i)
	delete(r.pending, tempID)
	r.publishLocked()
	return nil
}

// MarkFailed moves a sending entry to failed. Entries in any other state are
// left alone.
func (r *MessageReconciler) MarkFailed(tempID string, cause error) {
	r.mu.Lock()
	i := r.indexLocked(tempID)
	if i < 0 || r.messages[i].Status != StatusSending {
		r.mu.Unlock()
		return
	}
	r.messages[i].Status = StatusFailed
	r.log.Warn("message failed", zap.String("id", tempID), zap.Error(cause))
	r.metrics.sendFailed()
	r.publishLocked()
}

// MarkRead advances a message this user authored to read. It never moves a
// status backwards and ignores receipts from the user themself.
func (r *MessageReconciler) MarkRead(messageID, readerID string) bool {
	r.mu.Lock()
	i := r.indexLocked(messageID)
	if i < 0 || r.messages[i].SenderID != r.selfID || (readerID != "" && readerID == r.selfID) {
		r.mu.Unlock()
		return false
	}
	if !r.advanceLocked(i, StatusRead) {
		r.mu.Unlock()
		return false
	}
	r.publishLocked()
	return true
}

// advanceLocked raises the status of entry i along sent, delivered, read.
func (r *MessageReconciler) advanceLocked(i int, to MessageStatus) bool {
	cur := r.messages[i].Status
	if cur == StatusSending || cur == StatusFailed {
		return false
	}
	if to.rank() <= cur.rank() {
		return false
	}
	r.messages[i].Status = to
	return true
}

// TakeFailed removes a failed entry so it can be sent again. It returns the
// removed entry and what was originally asked to be sent.
func (r *MessageReconciler) TakeFailed(messageID string) (Message, *outgoing, error) {
	r.mu.Lock()
	i := r.indexLocked(messageID)
	if i < 0 {
		r.mu.Unlock()
		return Message{}, nil, ErrMessageNotFound
	}
	m := *r.messages[i]
	if m.Status != StatusFailed {
		r.mu.Unlock()
		return m, nil, ErrNotRetryable
	}
	out := r.pending[messageID]
	if out == nil {
		out = &outgoing{content: m.Content, kind: m.Kind, clientID: m.ClientID}
	}
	r.removeLocked(i)
	delete(r.pending, messageID)
	r.publishLocked()
	return m, out, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (r *MessageReconciler) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range r.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (r *MessageReconciler) removeLocked(i int) {
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
}

func (r *MessageReconciler) snapshotLocked() []Message {
	out := make([]Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = *m
	}
	return out
}

// publishLocked releases r.mu and delivers a snapshot to subscribers and the
// cache. The caller must hold r.mu.
func (r *MessageReconciler) publishLocked() {
	snap := r.snapshotLocked()
	conversationID := r.conversationID
	r.emitMu.Lock()
	r.mu.Unlock()
	defer r.emitMu.Unlock()

	if r.cache != nil && conversationID != "" {
		if err := r.cache.Put(conversationID, snap); err != nil {
			r.log.Warn("cache write failed", zap.Error(err))
		}
	}
	r.onChange.emit(snap)
}

func sendOptionsValue(opts *SendOptions) SendOptions {
	if opts == nil {
		return SendOptions{}
	}
	return *opts
}
