package havenchat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Route is the path an outbound action takes.
type Route string

const (
	RouteDuplex   Route = "duplex"
	RouteFallback Route = "fallback"
)

// Action names an outbound action for routing.
type Action string

const (
	ActionSendMessage Action = "send_message"
	ActionTyping      Action = "typing"
	ActionReadReceipt Action = "read_receipt"
)

// DeliveryRouter sends each outbound action over the duplex channel when it
// is open on the target conversation, and over the request/response path
// otherwise. Typing and read receipts have no fallback and are dropped.
type DeliveryRouter struct {
	conn    *ConnectionManager
	rec     *MessageReconciler
	api     Collaborators
	grace   time.Duration
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *Metrics
}

// NewDeliveryRouter wires a router. cfg may be nil.
func NewDeliveryRouter(conn *ConnectionManager, rec *MessageReconciler, api Collaborators, cfg *Config) *DeliveryRouter {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &DeliveryRouter{
		conn:    conn,
		rec:     rec,
		api:     api,
		grace:   c.BindGracePeriod,
		limiter: rate.NewLimiter(c.BindRateLimit, c.BindBurst),
		log:     componentLogger(c.Logger, "router"),
		metrics: c.Metrics,
	}
}

// Route decides the path for action on conversationID. For message sends a
// closed channel gets one best-effort bind, bounded by the grace period,
// before falling back. The bind keeps running in the background if the
// grace period runs out.
func (d *DeliveryRouter) Route(ctx context.Context, action Action, conversationID string) Route {
	route := d.route(ctx, action, conversationID)
	d.metrics.routed(action, route)
	return route
}

func (d *DeliveryRouter) route(ctx context.Context, action Action, conversationID string) Route {
	if d.conn.IsBoundTo(conversationID) {
		return RouteDuplex
	}
	if action != ActionSendMessage || d.conn.CircuitOpen() || !d.limiter.Allow() {
		return RouteFallback
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.conn.Bind(context.Background(), conversationID, nil); err != nil {
			d.log.Debug("best-effort bind failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()

	timer := time.NewTimer(d.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}

	if d.conn.IsBoundTo(conversationID) {
		return RouteDuplex
	}
	return RouteFallback
}

// SendMessage inserts an optimistic entry and delivers it. Over the duplex
// channel it returns the sending acknowledgement at once; over the fallback
// path it waits for the server's reply. A failed delivery leaves the entry in
// the failed state and returns ErrSendFailed.
func (d *DeliveryRouter) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (Message, error) {
	return d.send(ctx, conversationID, &outgoing{
		content:  content,
		kind:     KindText,
		clientID: newClientID(),
		opts:     sendOptionsValue(opts),
	})
}

func (d *DeliveryRouter) send(ctx context.Context, conversationID string, out *outgoing) (Message, error) {
	msg, err := d.rec.insert(out)
	if errors.Is(err, ErrDuplicateSuppressed) {
		d.log.Debug("send suppressed, identical message pending", zap.String("id", msg.ID))
		return msg, nil
	}
	if err != nil {
		return msg, err
	}

	log := d.log.With(zap.String("conversation_id", conversationID), zap.String("temp_id", msg.ID))

	switch d.Route(ctx, ActionSendMessage, conversationID) {
	case RouteDuplex:
		frame := messageFrame{
			Type:     string(EventMessage),
			Content:  msg.Content,
			Kind:     KindText,
			Metadata: msg.Metadata,
		}
		if !d.conn.Send(ctx, frame) {
			d.rec.MarkFailed(msg.ID, ErrTransport)
			msg.Status = StatusFailed
			return msg, newError("send message", ErrSendFailed, ErrTransport)
		}
		log.Debug("sent over duplex")
		return msg, nil

	default:
		req := &PostRequest{
			Content:  msg.Content,
			Kind:     msg.Kind,
			Metadata: msg.Metadata,
		}
		if out.opts.AttachmentID != "" {
			req.Attachments = []string{out.opts.AttachmentID}
		}
		confirmed, err := d.api.PostMessage(ctx, conversationID, req)
		if err != nil {
			d.rec.MarkFailed(msg.ID, err)
			msg.Status = StatusFailed
			return msg, newError("send message", ErrSendFailed, err)
		}
		if err := d.rec.ResolveFallback(msg.ID, *confirmed); err != nil {
			log.Debug("fallback reply discarded", zap.String("id", confirmed.ID), zap.Error(err))
		}
		log.Debug("sent over fallback", zap.String("id", confirmed.ID))
		result := *confirmed
		result.ClientID = msg.ClientID
		if result.Status.rank() < StatusSent.rank() {
			result.Status = StatusSent
		}
		return result, nil
	}
}

// SendTyping transmits a typing indicator if the channel is eligible.
func (d *DeliveryRouter) SendTyping(ctx context.Context, conversationID string, isTyping bool) bool {
	if d.Route(ctx, ActionTyping, conversationID) != RouteDuplex {
		return false
	}
	return d.conn.Send(ctx, typingFrame{Type: string(EventTyping), IsTyping: isTyping})
}

// SendReadReceipt transmits a read receipt if the channel is eligible.
func (d *DeliveryRouter) SendReadReceipt(ctx context.Context, conversationID, messageID string) bool {
	if d.Route(ctx, ActionReadReceipt, conversationID) != RouteDuplex {
		return false
	}
	return d.conn.Send(ctx, readFrame{Type: string(EventRead), MessageID: messageID})
}

// Retry re-sends a failed message under a new temporary id. The client id is
// kept so a late echo of the first attempt still matches. Only failed
// messages can be retried.
func (d *DeliveryRouter) Retry(ctx context.Context, conversationID, messageID string) (Message, error) {
	_, out, err := d.rec.TakeFailed(messageID)
	if err != nil {
		return Message{}, newError("retry", err, nil)
	}
	return d.send(ctx, conversationID, out)
}
