package havenchat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const resyncTimeout = 30 * time.Second

// Session is what a chat screen talks to. It wires one ConnectionManager,
// MessageReconciler, DeliveryRouter and TypingTracker together for the
// conversation currently bound.
type Session struct {
	selfID string
	log    *zap.Logger

	conn   *ConnectionManager
	rec    *MessageReconciler
	router *DeliveryRouter
	typing *TypingTracker

	mu             sync.Mutex
	conversationID string
	subscribed     bool
	usingFallback  bool
	dropped        bool
	closed         bool

	onConnection subscribers[bool]
	onError      subscribers[error]
}

// NewSession builds a session on the REST client's token source and the
// endpoints for kind. Unset cfg fields take the client's base URL and token
// key.
func (c *Client) NewSession(selfID string, kind ConversationKind, cfg *Config) *Session {
	var sc Config
	if cfg != nil {
		sc = *cfg
	}
	if sc.BaseURL == "" {
		sc.BaseURL = c.baseURL
	}
	if sc.TokenKey == "" {
		sc.TokenKey = c.tokenKey
	}
	if sc.HTTPClient == nil {
		sc.HTTPClient = c.httpClient
	}
	return NewSession(c.tokens, c.Conversation(kind).Collaborators(), selfID, &sc)
}

// NewSession builds a session from its collaborators. cfg may be nil.
func NewSession(tokens TokenSource, api Collaborators, selfID string, cfg *Config) *Session {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	s := &Session{
		selfID: selfID,
		log:    componentLogger(c.Logger, "session"),
	}
	s.conn = NewConnectionManager(tokens, &c)
	s.rec = NewMessageReconciler(selfID, api, &c)
	s.router = NewDeliveryRouter(s.conn, s.rec, api, &c)
	s.typing = NewTypingTracker(selfID, s.transmitTyping, &c)
	s.onConnection.log = s.log
	s.onError.log = s.log
	return s
}

// ============================================================================
// Lifecycle
// ============================================================================

// Bind attaches the session to conversationID: it opens the duplex
// connection and loads the history. A connection error is returned but the
// session stays usable through the fallback path; in that case the history
// is still loaded.
func (s *Session) Bind(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError("bind", ErrBindCancelled, nil)
	}
	switching := s.conversationID != conversationID
	s.mu.Unlock()

	// The stop is addressed to the conversation being left.
	if switching {
		s.typing.SetTyping(false)
	}

	s.mu.Lock()
	s.conversationID = conversationID
	if !s.subscribed {
		s.subscribeLocked()
	}
	s.mu.Unlock()

	if switching {
		s.rec.Reset(conversationID)
		s.typing.Reset(conversationID)
	}

	connErr := s.conn.Bind(ctx, conversationID, nil)
	if connErr != nil {
		s.log.Warn("realtime unavailable, using fallback", zap.String("conversation_id", conversationID), zap.Error(connErr))
	}
	s.mu.Lock()
	s.usingFallback = connErr != nil
	s.mu.Unlock()

	loadErr := s.rec.Load(ctx)
	if connErr != nil {
		return connErr
	}
	return loadErr
}

func (s *Session) subscribeLocked() {
	s.subscribed = true
	s.conn.OnMessage(s.dispatch)
	s.conn.OnConnectionChange(s.handleConnectionChange)
	s.conn.OnError(func(err error) { s.onError.emit(err) })
}

// Unbind leaves the conversation: the typing indicator is stopped, the
// connection is closed on purpose and the list is dropped.
func (s *Session) Unbind() {
	s.typing.SetTyping(false)
	s.conn.Unbind()

	s.mu.Lock()
	s.conversationID = ""
	s.subscribed = false
	s.usingFallback = false
	s.dropped = false
	s.mu.Unlock()

	s.typing.Reset("")
	s.rec.Reset("")
}

// Close unbinds and makes the session unusable.
func (s *Session) Close() {
	s.Unbind()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// ResetCircuitBreaker re-enables automatic reconnection.
func (s *Session) ResetCircuitBreaker() {
	s.conn.ResetCircuitBreaker()
}

// Reconnect resets the circuit breaker and binds the current conversation
// again. It backs a "try again" action after ErrCircuitOpen.
func (s *Session) Reconnect(ctx context.Context) error {
	conversationID := s.ConversationID()
	if conversationID == "" {
		return newError("reconnect", ErrNotReady, nil)
	}
	s.conn.ResetCircuitBreaker()
	return s.conn.Bind(ctx, conversationID, nil)
}

// ============================================================================
// Outbound
// ============================================================================

// SendMessage sends content to the bound conversation.
func (s *Session) SendMessage(ctx context.Context, content string, opts *SendOptions) (Message, error) {
	conversationID := s.ConversationID()
	if conversationID == "" {
		return Message{}, newError("send message", ErrNotReady, nil)
	}
	s.typing.SetTyping(false)
	return s.router.SendMessage(ctx, conversationID, content, opts)
}

// SendTyping reports local typing activity. It is debounced and dropped when
// the duplex channel is not available.
func (s *Session) SendTyping(isTyping bool) {
	s.typing.SetTyping(isTyping)
}

// SendReadReceipt tells the other side messageID was read. It reports whether
// the receipt was transmitted.
func (s *Session) SendReadReceipt(ctx context.Context, messageID string) bool {
	conversationID := s.ConversationID()
	if conversationID == "" {
		return false
	}
	return s.router.SendReadReceipt(ctx, conversationID, messageID)
}

// Retry re-sends a failed message.
func (s *Session) Retry(ctx context.Context, messageID string) (Message, error) {
	conversationID := s.ConversationID()
	if conversationID == "" {
		return Message{}, newError("retry", ErrNotReady, nil)
	}
	return s.router.Retry(ctx, conversationID, messageID)
}

func (s *Session) transmitTyping(isTyping bool) bool {
	conversationID := s.ConversationID()
	if conversationID == "" {
		return false
	}
	return s.router.SendTyping(context.Background(), conversationID, isTyping)
}

// ============================================================================
// Inbound
// ============================================================================

func (s *Session) dispatch(evt Event) {
	conversationID := s.ConversationID()
	if evt.ConversationID != "" && evt.ConversationID != conversationID {
		return
	}

	switch evt.Type {
	case EventMessage:
		if !evt.IsNewMessage() {
			s.log.Debug("message frame dropped", zap.String("event", evt.Name))
			return
		}
		if err := s.rec.ApplyInbound(*evt.Message); err != nil {
			s.log.Debug("inbound message not applied", zap.String("id", evt.Message.ID), zap.Error(err))
		}
		s.typing.MessageReceived(evt.Message.SenderID)
	case EventTyping:
		s.typing.HandleRemoteTyping(evt)
	case EventRead:
		ids := evt.MessageIDs
		if evt.MessageID != "" {
			ids = append([]string{evt.MessageID}, ids...)
		}
		for _, id := range ids {
			s.rec.MarkRead(id, evt.UserID)
		}
	case EventPresence:
		s.typing.HandlePresence(evt)
	}
}

func (s *Session) handleConnectionChange(open bool) {
	s.mu.Lock()
	resync := open && s.dropped
	s.dropped = !open
	s.usingFallback = !open
	s.mu.Unlock()

	s.onConnection.emit(open)
	if resync {
		go s.resync()
	}
}

// resync reloads history after a reconnect so messages sent while the
// connection was down show up.
func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := s.rec.Load(ctx); err != nil {
		s.log.Warn("resync after reconnect failed", zap.Error(err))
	}
}

// ============================================================================
// Accessors and subscriptions
// ============================================================================

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns the visible message list.
func (s *Session) Messages() []Message { return s.rec.Messages() }

// IsConnected reports whether the duplex channel serves the bound conversation.
func (s *Session) IsConnected() bool {
	conversationID := s.ConversationID()
	return conversationID != "" && s.conn.IsBoundTo(conversationID)
}

func (s *Session) IsRemoteTyping() bool { return s.typing.IsRemoteTyping() }

// UsingFallback is true while messages go over the request/response path.
func (s *Session) UsingFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usingFallback
}

func (s *Session) CircuitOpen() bool { return s.conn.CircuitOpen() }

func (s *Session) Connection() ConnectionSnapshot { return s.conn.Snapshot() }

func (s *Session) Presence(userID string) (Presence, bool) { return s.typing.Presence(userID) }

func (s *Session) OnMessagesChange(fn func([]Message)) func() { return s.rec.OnChange(fn) }

func (s *Session) OnConnectionChange(fn func(connected bool)) func() {
	return s.onConnection.add(fn)
}

func (s *Session) OnTypingChange(fn func(remoteTyping bool)) func() {
	return s.typing.OnTypingChange(fn)
}

func (s *Session) OnPresenceChange(fn func(Presence)) func() { return s.typing.OnPresenceChange(fn) }

// OnError registers fn for connection errors. ErrCircuitOpen means automatic
// reconnection stopped and the user should be offered Reconnect.
func (s *Session) OnError(fn func(error)) func() { return s.onError.add(fn) }
