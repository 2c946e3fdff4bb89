package havenchat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const pingTimeout = 10 * time.Second

// ConnectionManager owns the single duplex connection. It binds the
// connection to one conversation at a time, reconnects after unintentional
// closes with capped exponential backoff, and stops reconnecting once the
// circuit breaker trips.
//
// Subscribers are called synchronously from the connection's goroutines, in
// transport order. A subscriber must not call Bind synchronously.
type ConnectionManager struct {
	cfg     *Config
	tokens  TokenSource
	dial    dialFunc
	log     *zap.Logger
	metrics *Metrics

	// bindSem serializes handshakes. It is a channel so waiting honours ctx.
	bindSem chan struct{}

	mu             sync.Mutex
	state          ConnState
	endpoint       string
	conversationID string
	conn           transport
	generation     uint64
	intentional    bool
	recon          *reconnector
	reconnectTimer *time.Timer
	cancelDial     context.CancelFunc
	cancelConn     context.CancelFunc

	onChange  subscribers[bool]
	onMessage subscribers[Event]
	onError   subscribers[error]
}

// NewConnectionManager creates an idle manager. cfg may be nil.
func NewConnectionManager(tokens TokenSource, cfg *Config) *ConnectionManager {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	log := componentLogger(c.Logger, "connection")
	cm := &ConnectionManager{
		cfg:     &c,
		tokens:  tokens,
		dial:    websocketDialer(c.HTTPClient),
		log:     log,
		metrics: c.Metrics,
		bindSem: make(chan struct{}, 1),
		state:   StateIdle,
		recon:   newReconnector(&c),
	}
	cm.onChange.log = log
	cm.onMessage.log = log
	cm.onError.log = log
	return cm
}

// ============================================================================
// Subscriptions
// ============================================================================

// OnConnectionChange registers fn for open (true) and close or failed
// handshake (false) transitions. The returned function unsubscribes.
func (cm *ConnectionManager) OnConnectionChange(fn func(connected bool)) func() {
	return cm.onChange.add(fn)
}

// OnMessage registers fn for every decoded inbound frame.
func (cm *ConnectionManager) OnMessage(fn func(Event)) func() {
	return cm.onMessage.add(fn)
}

// OnError registers fn for connection errors, including ErrCircuitOpen.
func (cm *ConnectionManager) OnError(fn func(error)) func() {
	return cm.onError.add(fn)
}

// ============================================================================
// Accessors
// ============================================================================

func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnectionManager) IsOpen() bool {
	return cm.State() == StateOpen
}

// IsBoundTo reports whether the connection is open and serving conversationID.
func (cm *ConnectionManager) IsBoundTo(conversationID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateOpen && cm.conversationID == conversationID
}

func (cm *ConnectionManager) CircuitOpen() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.recon.circuitOpen
}

func (cm *ConnectionManager) Snapshot() ConnectionSnapshot {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return ConnectionSnapshot{
		Endpoint:            cm.endpoint,
		State:               cm.state,
		BoundConversationID: cm.conversationID,
		ReconnectAttempt:    cm.recon.attempt,
		CircuitOpen:         cm.recon.circuitOpen,
	}
}

// ============================================================================
// Bind / Unbind
// ============================================================================

// Bind opens the connection for conversationID. It returns immediately if the
// connection is already open on that conversation, unless opts.ForceNew is
// set. An open connection to another conversation is closed first.
//
// Failures are returned to the caller and also start the reconnect loop.
func (cm *ConnectionManager) Bind(ctx context.Context, conversationID string, opts *BindOptions) error {
	forceNew := opts != nil && opts.ForceNew
	if !forceNew && cm.IsBoundTo(conversationID) {
		return nil
	}

	select {
	case cm.bindSem <- struct{}{}:
	case <-ctx.Done():
		return newError("bind", ErrBindCancelled, ctx.Err())
	}
	defer func() { <-cm.bindSem }()

	return cm.bind(ctx, conversationID, forceNew)
}

// bind runs one handshake. The caller holds bindSem.
func (cm *ConnectionManager) bind(ctx context.Context, conversationID string, forceNew bool) error {
	cm.mu.Lock()
	if !forceNew && cm.state == StateOpen && cm.conversationID == conversationID {
		cm.mu.Unlock()
		return nil
	}
	cm.generation++
	gen := cm.generation
	cm.intentional = false
	cm.stopReconnectTimerLocked()
	old := cm.detachLocked()
	cm.state = StateConnecting
	cm.conversationID = conversationID
	dialCtx, cancel := context.WithTimeout(ctx, cm.cfg.HandshakeTimeout)
	cm.cancelDial = cancel
	cm.mu.Unlock()
	defer cancel()

	if old != nil {
		_ = old.Close("rebinding")
		cm.metrics.setConnected(false)
		cm.onChange.emit(false)
	}

	log := cm.log.With(zap.String("conversation_id", conversationID))

	token, err := cm.tokens.Token(dialCtx, cm.cfg.TokenKey)
	if err != nil || token == "" {
		return cm.failBind(gen, conversationID, newError("bind", ErrAuthTokenMissing, err))
	}

	endpoint := cm.cfg.realtimeEndpoint(token, conversationID)
	cm.mu.Lock()
	cm.endpoint = redactEndpoint(endpoint)
	cm.mu.Unlock()

	log.Debug("dialing", zap.String("endpoint", redactEndpoint(endpoint)))
	t, err := cm.dial(dialCtx, endpoint)
	if err != nil {
		kind := ErrTransport
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			kind = ErrConnectionTimeout
		}
		return cm.failBind(gen, conversationID, newError("bind", kind, err))
	}

	cm.mu.Lock()
	if gen != cm.generation {
		// Unbind ran while the handshake was in flight.
		cm.mu.Unlock()
		_ = t.Close("unbound")
		return newError("bind", ErrBindCancelled, nil)
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	cm.conn = t
	cm.state = StateOpen
	cm.cancelConn = connCancel
	cm.cancelDial = nil
	cm.recon.markConnected()
	cm.mu.Unlock()

	log.Info("connection open")
	cm.metrics.setConnected(true)
	cm.onChange.emit(true)

	go cm.readLoop(connCtx, t, gen, conversationID)
	go cm.heartbeatLoop(connCtx, t)
	return nil
}

func (cm *ConnectionManager) failBind(gen uint64, conversationID string, err error) error {
	cm.mu.Lock()
	if gen != cm.generation {
		cm.mu.Unlock()
		return newError("bind", ErrBindCancelled, err)
	}
	cm.state = StateClosed
	cm.cancelDial = nil
	cm.mu.Unlock()

	cm.log.Warn("bind failed", zap.String("conversation_id", conversationID), zap.Error(err))
	cm.metrics.setConnected(false)
	cm.onChange.emit(false)
	cm.onError.emit(err)
	cm.scheduleReconnect(gen, conversationID)
	return err
}

// Unbind closes the connection on purpose. Pending reconnects are voided, an
// in-flight handshake is cancelled and all subscriptions are dropped.
func (cm *ConnectionManager) Unbind() {
	cm.mu.Lock()
	cm.generation++
	cm.intentional = true
	cm.stopReconnectTimerLocked()
	if cm.cancelDial != nil {
		cm.cancelDial()
		cm.cancelDial = nil
	}
	old := cm.detachLocked()
	if cm.state != StateIdle {
		cm.state = StateClosing
	}
	cm.conversationID = ""
	cm.mu.Unlock()

	if old != nil {
		_ = old.Close("client unbind")
	}

	cm.mu.Lock()
	if cm.state == StateClosing {
		cm.state = StateClosed
	}
	cm.mu.Unlock()

	if old != nil {
		cm.log.Info("connection closed by client")
		cm.metrics.setConnected(false)
		cm.onChange.emit(false)
	}
	cm.onChange.clear()
	cm.onMessage.clear()
	cm.onError.clear()
}

// Close is Unbind.
func (cm *ConnectionManager) Close() {
	cm.Unbind()
}

// ResetCircuitBreaker clears the circuit flag and the attempt counter. It does
// not reconnect by itself.
func (cm *ConnectionManager) ResetCircuitBreaker() {
	cm.mu.Lock()
	cm.recon.reset()
	cm.mu.Unlock()
	cm.log.Info("circuit breaker reset")
}

// ============================================================================
// Send
// ============================================================================

// Send encodes frame as JSON and writes it. It returns false without blocking
// when the connection is not open, and false when the write fails.
func (cm *ConnectionManager) Send(ctx context.Context, frame any) bool {
	cm.mu.Lock()
	if cm.state != StateOpen || cm.conn == nil {
		cm.mu.Unlock()
		return false
	}
	t := cm.conn
	cm.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		cm.log.Error("encode outbound frame", zap.Error(err))
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, cm.cfg.WriteTimeout)
	defer cancel()
	if err := t.Write(wctx, data); err != nil {
		cm.log.Warn("write failed", zap.Error(err))
		return false
	}
	return true
}

// ============================================================================
// Loops
// ============================================================================

func (cm *ConnectionManager) readLoop(ctx context.Context, t transport, gen uint64, conversationID string) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			cm.handleClosed(t, gen, conversationID, err)
			return
		}

		evt, err := decodeEvent(data)
		if err != nil {
			cm.log.Debug("dropping frame", zap.Error(err))
			continue
		}
		cm.metrics.inboundEvent(evt.Type)
		cm.onMessage.emit(*evt)
	}
}

func (cm *ConnectionManager) handleClosed(t transport, gen uint64, conversationID string, cause error) {
	cm.mu.Lock()
	if gen != cm.generation || cm.conn != t {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.state = StateClosed
	if cm.cancelConn != nil {
		cm.cancelConn()
		cm.cancelConn = nil
	}
	cm.mu.Unlock()

	_ = t.Close("read failed")
	cm.log.Warn("connection lost", zap.String("conversation_id", conversationID), zap.Error(cause))
	cm.metrics.setConnected(false)
	cm.onChange.emit(false)
	cm.onError.emit(newError("read", ErrTransport, cause))
	cm.scheduleReconnect(gen, conversationID)
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, t transport) {
	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := t.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// The read loop sees the close and takes the reconnect path.
				cm.log.Warn("heartbeat failed", zap.Error(err))
				_ = t.Close("heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// Reconnect
// ============================================================================

func (cm *ConnectionManager) scheduleReconnect(gen uint64, conversationID string) {
	cm.mu.Lock()
	if gen != cm.generation || cm.intentional {
		cm.mu.Unlock()
		return
	}
	delay, ok, tripped := cm.recon.next()
	attempt := cm.recon.attempt
	if ok {
		cm.reconnectTimer = time.AfterFunc(delay, func() {
			cm.reconnect(gen, conversationID)
		})
	}
	cm.mu.Unlock()

	log := cm.log.With(zap.String("conversation_id", conversationID), zap.Int("attempt", attempt))
	switch {
	case tripped:
		log.Error("giving up on reconnecting")
		cm.metrics.circuitTripped()
		cm.onError.emit(newError("reconnect", ErrCircuitOpen, nil))
	case ok:
		log.Info("reconnect scheduled", zap.Duration("delay", delay))
		cm.metrics.reconnectScheduled()
	}
}

func (cm *ConnectionManager) reconnect(gen uint64, conversationID string) {
	if cm.stale(gen) {
		return
	}
	cm.bindSem <- struct{}{}
	defer func() { <-cm.bindSem }()

	// A manual Bind or Unbind may have happened while waiting.
	if cm.stale(gen) {
		return
	}
	_ = cm.bind(context.Background(), conversationID, true)
}

func (cm *ConnectionManager) stale(gen uint64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return gen != cm.generation || cm.intentional
}

func (cm *ConnectionManager) stopReconnectTimerLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
}

func (cm *ConnectionManager) detachLocked() transport {
	if cm.cancelConn != nil {
		cm.cancelConn()
		cm.cancelConn = nil
	}
	t := cm.conn
	cm.conn = nil
	return t
}
