package havenchat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestSession(t *testing.T, api Collaborators, cfg *Config) (*Session, *fakeDialer) {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}
	s := NewSession(NewMemoryTokens(DefaultTokenKey, testToken), api, "me", cfg)
	d := newFakeDialer()
	s.conn.dial = d.dial
	t.Cleanup(s.Close)
	return s, d
}

func newMessageFrame(id, sender, content string) map[string]any {
	return map[string]any{
		"type":  "message",
		"event": "new_message",
		"message": map[string]any{
			"id":        id,
			"sender":    map[string]any{"id": sender},
			"content":   content,
			"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

// ============================================================================
// End to end
// ============================================================================

func TestSessionBind(t *testing.T) {
	api := &fakeAPI{history: []Message{authored("h1", "therapist-7", "Welcome back", 0)}}
	s, _ := newTestSession(t, api.collaborators(), nil)
	var changes boolRecorder
	s.OnConnectionChange(changes.record)

	if err := s.Bind(context.Background(), "42"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if got := changes.get(); len(got) != 1 || !got[0] {
		t.Errorf("connection changes = %v, want [true]", got)
	}
	if snap := s.Connection(); snap.BoundConversationID != "42" || snap.State != StateOpen {
		t.Errorf("snapshot = %+v", snap)
	}
	if !s.IsConnected() || s.UsingFallback() {
		t.Errorf("connected = %v, fallback = %v", s.IsConnected(), s.UsingFallback())
	}
	if got := s.Messages(); len(got) != 1 || got[0].ID != "h1" {
		t.Errorf("history = %+v", got)
	}
}

func TestSessionSendOverDuplex(t *testing.T) {
	s, d := newTestSession(t, (&fakeAPI{}).collaborators(), nil)
	ctx := context.Background()
	if err := s.Bind(ctx, "42"); err != nil {
		t.Fatal(err)
	}

	msg, err := s.SendMessage(ctx, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.IsOptimistic() || msg.Status != StatusSending || msg.Content != "hello" {
		t.Fatalf("local entry = %+v", msg)
	}

	// The echo carries no client id; sender and content match.
	d.last().push(t, newMessageFrame("9001", "me", "hello"))
	waitFor(t, "echo", func() bool {
		got := s.Messages()
		return len(got) == 1 && got[0].ID == "9001"
	})
	if got := s.Messages()[0]; got.Status != StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}

	t.Run("read receipt", func(t *testing.T) {
		d.last().push(t, map[string]any{"type": "read", "userId": "therapist-7", "messageId": "9001"})
		waitFor(t, "read status", func() bool { return s.Messages()[0].Status == StatusRead })
	})
}

func TestSessionSendOverFallback(t *testing.T) {
	api := Collaborators{
		ListMessages: func(context.Context, string) ([]Message, error) { return nil, nil },
		PostMessage: func(_ context.Context, conversationID string, req *PostRequest) (*Message, error) {
			return &Message{ID: "77", ConversationID: conversationID, Content: req.Content}, nil
		},
	}
	s, d := newTestSession(t, api, nil)
	d.setErr(errors.New("network unreachable"))
	ctx := context.Background()

	err := s.Bind(ctx, "42")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Bind() error = %v, want ErrTransport", err)
	}
	if !s.UsingFallback() || s.IsConnected() {
		t.Errorf("fallback = %v, connected = %v", s.UsingFallback(), s.IsConnected())
	}

	msg, err := s.SendMessage(ctx, "hi", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "77" || msg.Status != StatusSent {
		t.Errorf("result = %+v", msg)
	}
	got := s.Messages()
	if len(got) != 1 || got[0].ID != "77" || got[0].Status != StatusSent {
		t.Errorf("list = %+v", got)
	}
}

func TestSessionRetry(t *testing.T) {
	s, d := newTestSession(t, (&fakeAPI{}).collaborators(), nil)
	ctx := context.Background()
	if err := s.Bind(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	tr := d.last()
	tr.mu.Lock()
	tr.failWrites = true
	tr.mu.Unlock()

	failed, err := s.SendMessage(ctx, "are you there?", nil)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("SendMessage() error = %v", err)
	}

	tr.mu.Lock()
	tr.failWrites = false
	tr.mu.Unlock()

	retried, err := s.Retry(ctx, failed.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.ID == failed.ID || !retried.IsOptimistic() || retried.Status != StatusSending {
		t.Errorf("retried = %+v", retried)
	}
	got := s.Messages()
	if len(got) != 1 || got[0].ID != retried.ID {
		t.Errorf("list = %+v", got)
	}
	if frames := tr.written(); len(frames) != 1 || frames[0]["content"] != "are you there?" {
		t.Errorf("frames = %v", frames)
	}
}

func TestSessionTypingAndPresence(t *testing.T) {
	s, d := newTestSession(t, (&fakeAPI{}).collaborators(), nil)
	ctx := context.Background()
	if err := s.Bind(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	tr := d.last()

	t.Run("remote typing auto clears", func(t *testing.T) {
		tr.push(t, map[string]any{"type": "typing", "conversationId": "42", "userId": "therapist-7", "isTyping": true})
		waitFor(t, "typing shown", s.IsRemoteTyping)
		waitFor(t, "typing cleared", func() bool { return !s.IsRemoteTyping() })
	})

	t.Run("local typing", func(t *testing.T) {
		s.SendTyping(true)
		waitFor(t, "start and stop frames", func() bool { return len(tr.written()) == 2 })
		frames := tr.written()
		if frames[0]["isTyping"] != true || frames[1]["isTyping"] != false {
			t.Errorf("frames = %v", frames)
		}
	})

	t.Run("presence", func(t *testing.T) {
		tr.push(t, map[string]any{"type": "presence", "userId": "therapist-7", "status": "online"})
		waitFor(t, "presence", func() bool {
			p, ok := s.Presence("therapist-7")
			return ok && p.Status == PresenceOnline
		})
	})

	t.Run("other conversation ignored", func(t *testing.T) {
		frame := newMessageFrame("x1", "them", "wrong room")
		frame["conversationId"] = "99"
		tr.push(t, frame)
		tr.push(t, newMessageFrame("x2", "them", "right room"))
		waitFor(t, "message", func() bool { return countID(s.Messages(), "x2") == 1 })
		if countID(s.Messages(), "x1") != 0 {
			t.Error("message from another conversation listed")
		}
	})

	t.Run("only new messages are listed", func(t *testing.T) {
		edited := newMessageFrame("x3", "them", "edited text")
		edited["event"] = "message_edited"
		tr.push(t, edited)
		tr.push(t, newMessageFrame("x4", "them", "after the edit"))
		waitFor(t, "message", func() bool { return countID(s.Messages(), "x4") == 1 })
		if countID(s.Messages(), "x3") != 0 {
			t.Error("message_edited frame listed as a new message")
		}
	})
}

func TestSessionSwitchStopsTyping(t *testing.T) {
	cfg := fastConfig()
	cfg.TypingDebounce = time.Hour
	s, d := newTestSession(t, (&fakeAPI{}).collaborators(), cfg)
	ctx := context.Background()
	if err := s.Bind(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	first := d.last()
	s.SendTyping(true)

	if err := s.Bind(ctx, "43"); err != nil {
		t.Fatal(err)
	}
	frames := first.written()
	if len(frames) != 2 || frames[0]["isTyping"] != true || frames[1]["isTyping"] != false {
		t.Errorf("frames on the previous connection = %v", frames)
	}
	if d.last() == first {
		t.Error("switching reused the previous connection")
	}
}

func TestSessionResyncAfterReconnect(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestSession(t, api.collaborators(), nil)
	ctx := context.Background()
	if err := s.Bind(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	if api.listCount() != 1 {
		t.Fatalf("history loads = %d", api.listCount())
	}

	api.mu.Lock()
	api.history = []Message{authored("missed", "therapist-7", "sent while you were away", 0)}
	api.mu.Unlock()
	d.last().Close("network blip")

	waitFor(t, "reconnect", func() bool { return d.dials() == 2 && s.IsConnected() })
	waitFor(t, "resync", func() bool { return countID(s.Messages(), "missed") == 1 })
}

func TestSessionLifecycle(t *testing.T) {
	s, d := newTestSession(t, (&fakeAPI{}).collaborators(), nil)
	ctx := context.Background()

	if _, err := s.SendMessage(ctx, "too early", nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("send before bind error = %v", err)
	}

	if err := s.Bind(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	s.Unbind()
	if s.IsConnected() || s.ConversationID() != "" || len(s.Messages()) != 0 {
		t.Error("state left after Unbind")
	}

	// Rebinding subscribes again.
	if err := s.Bind(ctx, "43"); err != nil {
		t.Fatal(err)
	}
	d.last().push(t, newMessageFrame("m1", "them", "hi"))
	waitFor(t, "message after rebind", func() bool { return countID(s.Messages(), "m1") == 1 })

	s.Close()
	if err := s.Bind(ctx, "43"); err == nil {
		t.Error("Bind() after Close succeeded")
	}
}

func TestSessionReconnectAfterCircuitOpens(t *testing.T) {
	s, d := newTestSession(t, (&fakeAPI{}).collaborators(), nil)
	var errs errRecorder
	s.OnError(errs.record)
	ctx := context.Background()
	if err := s.Bind(ctx, "42"); err != nil {
		t.Fatal(err)
	}

	d.setErr(errors.New("refused"))
	d.last().Close("server down")
	waitFor(t, "circuit open", s.CircuitOpen)
	if errs.count(ErrCircuitOpen) != 1 {
		t.Errorf("circuit errors = %d", errs.count(ErrCircuitOpen))
	}

	d.setErr(nil)
	if err := s.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if s.CircuitOpen() || !s.IsConnected() {
		t.Errorf("circuit = %v, connected = %v", s.CircuitOpen(), s.IsConnected())
	}
}
