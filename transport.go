package havenchat

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

const maxFrameSize = 1 << 20

// transport is the raw duplex channel. Only ConnectionManager touches it.
type transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

type dialFunc func(ctx context.Context, endpoint string) (transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func websocketDialer(client *http.Client) dialFunc {
	// websocket.Dial refuses clients with a Timeout; the dial context bounds
	// the handshake instead.
	var hc *http.Client
	if client != nil {
		c := *client
		c.Timeout = 0
		hc = &c
	}
	return func(ctx context.Context, endpoint string) (transport, error) {
		conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: hc})
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, errors.Wrapf(err, "handshake rejected with status %d", resp.StatusCode)
			}
			return nil, errors.Wrap(err, "websocket dial")
		}
		conn.SetReadLimit(maxFrameSize)
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
