package havenchat

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TypingTracker debounces the local typing indicator, auto-clears the remote
// one, and keeps the last known presence of each user.
type TypingTracker struct {
	selfID   string
	send     func(isTyping bool) bool
	debounce time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu             sync.Mutex
	conversationID string

	localTyping bool
	localTimer  *time.Timer
	localGen    uint64

	remoteTyping bool
	remoteUser   string
	remoteTimer  *time.Timer
	remoteGen    uint64

	presence map[string]Presence

	onTyping   subscribers[bool]
	onPresence subscribers[Presence]
}

// NewTypingTracker creates a tracker for selfID. send transmits a typing
// frame and reports whether it went out. cfg may be nil.
func NewTypingTracker(selfID string, send func(isTyping bool) bool, cfg *Config) *TypingTracker {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	t := &TypingTracker{
		selfID:   selfID,
		send:     send,
		debounce: c.TypingDebounce,
		timeout:  c.TypingTimeout,
		log:      componentLogger(c.Logger, "typing"),
		presence: make(map[string]Presence),
	}
	t.onTyping.log = t.log
	t.onPresence.log = t.log
	return t
}

// OnTypingChange registers fn for changes of the remote typing flag.
func (t *TypingTracker) OnTypingChange(fn func(remoteTyping bool)) func() {
	return t.onTyping.add(fn)
}

// OnPresenceChange registers fn for presence status changes.
func (t *TypingTracker) OnPresenceChange(fn func(Presence)) func() {
	return t.onPresence.add(fn)
}

// ============================================================================
// Local
// ============================================================================

// SetTyping records local typing activity. The first call of a burst sends
// isTyping=true; the stop is sent once no activity was seen for the debounce
// interval, or right away when isTyping is false.
func (t *TypingTracker) SetTyping(isTyping bool) {
	t.mu.Lock()
	if isTyping {
		start := !t.localTyping
		t.localTyping = true
		t.localGen++
		gen := t.localGen
		if t.localTimer != nil {
			t.localTimer.Stop()
		}
		t.localTimer = time.AfterFunc(t.debounce, func() { t.expireLocal(gen) })
		t.mu.Unlock()
		if start {
			t.transmit(true)
		}
		return
	}

	was := t.localTyping
	t.stopLocalLocked()
	t.mu.Unlock()
	if was {
		t.transmit(false)
	}
}

func (t *TypingTracker) IsLocalTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localTyping
}

func (t *TypingTracker) expireLocal(gen uint64) {
	t.mu.Lock()
	if gen != t.localGen || !t.localTyping {
		t.mu.Unlock()
		return
	}
	t.localTyping = false
	t.localTimer = nil
	t.mu.Unlock()
	t.transmit(false)
}

func (t *TypingTracker) stopLocalLocked() {
	t.localTyping = false
	t.localGen++
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
}

func (t *TypingTracker) transmit(isTyping bool) {
	if t.send == nil {
		return
	}
	if !t.send(isTyping) {
		t.log.Debug("typing indicator dropped", zap.Bool("is_typing", isTyping))
	}
}

// ============================================================================
// Remote
// ============================================================================

// HandleRemoteTyping applies an inbound typing event. Events from this user
// and from other conversations are ignored.
func (t *TypingTracker) HandleRemoteTyping(evt Event) {
	if evt.UserID != "" && evt.UserID == t.selfID {
		return
	}

	t.mu.Lock()
	if t.conversationID != "" && evt.ConversationID != "" && evt.ConversationID != t.conversationID {
		t.mu.Unlock()
		return
	}
	if !evt.IsTyping {
		changed := t.stopRemoteLocked()
		t.mu.Unlock()
		if changed {
			t.onTyping.emit(false)
		}
		return
	}

	changed := !t.remoteTyping
	t.remoteTyping = true
	t.remoteUser = evt.UserID
	t.remoteGen++
	gen := t.remoteGen
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
	}
	t.remoteTimer = time.AfterFunc(t.timeout, func() { t.expireRemote(gen) })
	t.mu.Unlock()

	if changed {
		t.onTyping.emit(true)
	}
}

// MessageReceived clears the remote flag when the typing user's message
// arrives.
func (t *TypingTracker) MessageReceived(senderID string) {
	t.mu.Lock()
	if !t.remoteTyping || senderID == "" || senderID == t.selfID ||
		(t.remoteUser != "" && t.remoteUser != senderID) {
		t.mu.Unlock()
		return
	}
	t.stopRemoteLocked()
	t.mu.Unlock()
	t.onTyping.emit(false)
}

func (t *TypingTracker) IsRemoteTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteTyping
}

// TypingUser returns the user currently shown as typing, if any.
func (t *TypingTracker) TypingUser() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteTyping {
		return ""
	}
	return t.remoteUser
}

func (t *TypingTracker) expireRemote(gen uint64) {
	t.mu.Lock()
	if gen != t.remoteGen || !t.remoteTyping {
		t.mu.Unlock()
		return
	}
	t.stopRemoteLocked()
	t.mu.Unlock()
	t.onTyping.emit(false)
}

func (t *TypingTracker) stopRemoteLocked() bool {
	was := t.remoteTyping
	t.remoteTyping = false
	t.remoteUser = ""
	t.remoteGen++
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
	return was
}

// ============================================================================
// Presence
// ============================================================================

// HandlePresence records an inbound presence event.
func (t *TypingTracker) HandlePresence(evt Event) {
	if evt.UserID == "" {
		return
	}
	p := Presence{UserID: evt.UserID, Status: evt.Presence, UpdatedAt: time.Now()}

	t.mu.Lock()
	prev, seen := t.presence[evt.UserID]
	t.presence[evt.UserID] = p
	t.mu.Unlock()

	if !seen || prev.Status != p.Status {
		t.onPresence.emit(p)
	}
}

// Presence returns the last known presence of userID.
func (t *TypingTracker) Presence(userID string) (Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.presence[userID]
	return p, ok
}

// ============================================================================
// Lifecycle
// ============================================================================

// Reset stops all timers and scopes the tracker to conversationID. Presence
// is kept since it is per user.
func (t *TypingTracker) Reset(conversationID string) {
	t.mu.Lock()
	t.conversationID = conversationID
	t.stopLocalLocked()
	changed := t.stopRemoteLocked()
	t.mu.Unlock()
	if changed {
		t.onTyping.emit(false)
	}
}
