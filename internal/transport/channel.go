package transport

import (
	"context"

	"github.com/coder/websocket"
)

// maxMessageSize bounds a single inbound frame.
const maxMessageSize = 1 << 20

// Channel is one logical bidirectional message transport. The supervisor is
// its exclusive owner; nothing else ever holds a reference to one.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// DialFunc opens a new channel. Tests substitute fakes here.
type DialFunc func(ctx context.Context, url string) (Channel, error)

type wsChannel struct {
	conn *websocket.Conn
}

// DialChannel opens a websocket channel to the server. The caller's context
// deadline doubles as the connect timeout.
func DialChannel(ctx context.Context, url string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsChannel{conn: conn}, nil
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// abnormalClose reports whether a read error represents an abnormal close
// reason: a transport-level failure rather than a clean close handshake.
func abnormalClose(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return false
	case -1:
		// Not a close frame at all: dropped TCP connection, reset, timeout.
		return true
	default:
		return true
	}
}
