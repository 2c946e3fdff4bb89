package havenchat

import "time"

// ============================================================================
// Connection
// ============================================================================

// ConnState is the lifecycle state of the duplex connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionSnapshot is a point-in-time view of the shared connection.
type ConnectionSnapshot struct {
	// Endpoint is the last dialed URL with the credential redacted.
	Endpoint            string
	State               ConnState
	BoundConversationID string
	ReconnectAttempt    int
	CircuitOpen         bool
}

// BindOptions modifies Bind.
type BindOptions struct {
	// ForceNew reopens the channel even if it is already open on the conversation.
	ForceNew bool
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders the forward path sending < sent < delivered < read. Failed sits
// beside sending and is only reachable from it.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

func parseStatus(s string) (MessageStatus, bool) {
	switch st := MessageStatus(s); st {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return st, true
	}
	return "", false
}

// MessageKind is the content kind of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Message is one entry of a conversation's visible list.
type Message struct {
	// ID is "temp-<n>" while the message is optimistic, the server id afterwards.
	ID string `json:"id"`
	// ClientID correlates an optimistic entry with its server echo.
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Kind           MessageKind    `json:"kind"`
	IsBot          bool           `json:"isBot,omitempty"`
	Status         MessageStatus  `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IsOptimistic reports whether the message still carries a temporary id.
func (m *Message) IsOptimistic() bool {
	return isTempID(m.ID)
}

// SendOptions carries optional fields for SendMessage.
type SendOptions struct {
	AttachmentID string
	Metadata     map[string]any
}

// PostRequest is the body of a fallback send.
type PostRequest struct {
	Content     string         `json:"content"`
	Kind        MessageKind    `json:"kind"`
	Attachments []string       `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ============================================================================
// Inbound events
// ============================================================================

// EventType is the top-level type tag of an inbound frame.
type EventType string

const (
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventRead     EventType = "read"
	EventPresence EventType = "presence"
)

// EventNewMessage is the only message sub-tag that carries a new message.
// Frames of type message may omit the sub-tag.
const EventNewMessage = "new_message"

// Event is a decoded inbound frame.
type Event struct {
	Type EventType
	// Name is the sub-tag, e.g. "new_message".
	Name           string
	ConversationID string

	Message *Message

	UserID   string
	IsTyping bool

	MessageID  string
	MessageIDs []string

	Presence PresenceStatus
}

// IsNewMessage reports whether evt delivers a new message.
func (evt Event) IsNewMessage() bool {
	return evt.Type == EventMessage && evt.Message != nil && (evt.Name == "" || evt.Name == EventNewMessage)
}

// PresenceStatus is a user's reachability as reported by the server.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the last known presence of a user.
type Presence struct {
	UserID    string
	Status    PresenceStatus
	UpdatedAt time.Time
}

// ============================================================================
// Outbound frames
// ============================================================================

type messageFrame struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Kind     MessageKind    `json:"kind"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type typingFrame struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

type readFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}
