package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ecobridge/internal/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 90 * time.Second
	pingInterval     = 30 * time.Second
)

// Transport is the relay connection boundary the bus drives. Implemented
// by WSTransport; tests substitute their own.
type Transport interface {
	Connect(ctx context.Context) error
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
}

// relayFrame is the envelope exchanged with the relay channel.
type relayFrame struct {
	Action  string          `json:"action"` // subscribe | publish | message
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSTransport is a websocket client for a pub/sub relay channel. One
// connection carries both directions; writes are serialized.
type WSTransport struct {
	url       string
	channel   string
	pingEvery time.Duration

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewWSTransport targets the given relay URL and channel.
func NewWSTransport(url, channel string) *WSTransport {
	return &WSTransport{url: url, channel: channel, pingEvery: pingInterval}
}

// Connect dials the relay and subscribes to the channel. A previous
// connection, if any, is discarded.
func (t *WSTransport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return domain.NewNetworkError("connect", err)
	}

	sub := relayFrame{Action: "subscribe", Channel: t.channel}
	data, err := json.Marshal(sub)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return domain.NewNetworkError("subscribe", err)
	}

	// Each pong extends the read deadline, so an idle channel survives
	// without data frames as long as the peer answers pings.
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	go t.pingLoop(conn)
	return nil
}

// pingLoop keeps one connection alive. It exits when the connection it
// serves is replaced or the ping write fails.
func (t *WSTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.pingEvery)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.RLock()
		current := t.conn
		t.mu.RUnlock()
		if current != conn {
			return
		}

		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// Send publishes one payload to the channel.
func (t *WSTransport) Send(payload []byte) error {
	frame := relayFrame{Action: "publish", Channel: t.channel, Payload: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.threadSafeWrite(websocket.TextMessage, data)
}

// Receive blocks for the next channel message and returns its payload.
func (t *WSTransport) Receive() ([]byte, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, domain.NewNetworkError("receive", fmt.Errorf("connection is nil"))
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, domain.NewNetworkError("receive", err)
	}

	var frame relayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		// Not a frame error worth a reconnect; hand the raw bytes up and
		// let the bus decide.
		return data, nil
	}
	return frame.Payload, nil
}

// Close tears down the connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *WSTransport) threadSafeWrite(messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return domain.NewNetworkError("write", fmt.Errorf("connection is nil"))
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		return domain.NewNetworkError("write", err)
	}
	return nil
}
