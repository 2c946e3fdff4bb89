package havenchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testToken = "test-token-123"

var errFakeClosed = errors.New("fake transport closed")

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testLogger records log entries without writing through t, so goroutines
// that outlive a test cannot log into a finished test.
func testLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// fastConfig keeps every timer short.
func fastConfig() *Config {
	log, _ := testLogger()
	return &Config{
		BaseURL:              "http://chat.test",
		HandshakeTimeout:     time.Second,
		WriteTimeout:         time.Second,
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		BindGracePeriod:      200 * time.Millisecond,
		TypingTimeout:        60 * time.Millisecond,
		TypingDebounce:       30 * time.Millisecond,
		Logger:               log,
	}
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	writes     [][]byte
	failWrites bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write refused")
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) Ping(context.Context) error { return nil }

func (f *fakeTransport) Close(string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push delivers frame to the reader as JSON.
func (f *fakeTransport) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.in <- data
}

func (f *fakeTransport) written() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.writes))
	for _, w := range f.writes {
		var m map[string]any
		_ = json.Unmarshal(w, &m)
		out = append(out, m)
	}
	return out
}

// fakeDialer hands out fake transports, or fails with err while it is set.
type fakeDialer struct {
	mu        sync.Mutex
	err       error
	block     bool
	started   chan struct{}
	endpoints []string
	conns     []*fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{started: make(chan struct{}, 16)}
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (transport, error) {
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	err, block := d.err, d.block
	d.mu.Unlock()

	select {
	case d.started <- struct{}{}:
	default:
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	tr := newFakeTransport()
	d.mu.Lock()
	d.conns = append(d.conns, tr)
	d.mu.Unlock()
	return tr, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// newTestManager returns a manager that dials through a fake dialer.
func newTestManager(t *testing.T, cfg *Config) (*ConnectionManager, *fakeDialer) {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}
	cm := NewConnectionManager(NewMemoryTokens(DefaultTokenKey, testToken), cfg)
	d := newFakeDialer()
	cm.dial = d.dial
	t.Cleanup(cm.Unbind)
	return cm, d
}

// boolRecorder collects connection change notifications.
type boolRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (r *boolRecorder) record(v bool) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *boolRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.values...)
}

type errRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errRecorder) record(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *errRecorder) count(target error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, err := range r.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

// ============================================================================
// Websocket test server
// ============================================================================

// newWSServer serves the realtime endpoint and hands each accepted
// connection to handle.
func newWSServer(t *testing.T, handle func(ctx context.Context, c *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler done")
		handle(r.Context(), c, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ============================================================================
// Fake REST collaborators
// ============================================================================

type fakeAPI struct {
	mu       sync.Mutex
	history  []Message
	listErr  error
	postErr  error
	posts    []*PostRequest
	lists    int
	nextID   int
	onPost   func(req *PostRequest)
	postWait chan struct{}
}

func (a *fakeAPI) collaborators() Collaborators {
	return Collaborators{ListMessages: a.list, PostMessage: a.post}
}

func (a *fakeAPI) list(_ context.Context, conversationID string) ([]Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lists++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]Message(nil), a.history...), nil
}

func (a *fakeAPI) post(ctx context.Context, conversationID string, req *PostRequest) (*Message, error) {
	a.mu.Lock()
	a.posts = append(a.posts, req)
	err := a.postErr
	a.nextID++
	id := a.nextID
	hook, wait := a.onPost, a.postWait
	a.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:             "srv-" + strconv.Itoa(id),
		ConversationID: conversationID,
		Content:        req.Content,
		Timestamp:      time.Now().UTC(),
		Kind:           req.Kind,
		Status:         StatusSent,
		Metadata:       req.Metadata,
	}, nil
}

func (a *fakeAPI) listCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lists
}

func (a *fakeAPI) postCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.posts)
}

func countID(msgs []Message, id string) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}
