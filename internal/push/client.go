// internal/push/client.go

// Package push maintains the real-time channel: a websocket connection that
// delivers lead-update / message-received / message-read events and carries
// outbound read acknowledgments so other sessions update instantly. Loss of
// the connection is never fatal; the engine degrades to poll-only until the
// reconnect loop succeeds.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"crm-message-sync/internal/common/config"
	"crm-message-sync/internal/common/errors"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/ingest"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds every socket write; a stalled peer fails the write
	// instead of wedging the writer.
	writeWait = 10 * time.Second
	// sendQueueSize bounds outbound frames buffered while the writer drains.
	sendQueueSize = 64
)

// Handler receives every decoded push frame. Implementations post the frame
// onto the session event loop; the read pump never blocks on processing.
type Handler func(raw []byte)

type Client struct {
	url              string
	origin           string
	handshakeTimeout time.Duration
	reconnectMin     time.Duration
	reconnectMax     time.Duration
	handler          Handler
	log              logger.Logger

	mu     sync.Mutex // guards conn replacement
	conn   *websocket.Conn
	closed bool

	sendq chan ingest.Envelope
}

func NewClient(cfg config.PushConfig, handler Handler, log logger.Logger) *Client {
	return &Client{
		url:              cfg.URL,
		origin:           cfg.Origin,
		handshakeTimeout: config.GetDuration(cfg.HandshakeTimeout),
		reconnectMin:     config.GetDuration(cfg.ReconnectMin),
		reconnectMax:     config.GetDuration(cfg.ReconnectMax),
		handler:          handler,
		log:              log.WithFields(map[string]interface{}{"component": "push"}),
		sendq:            make(chan ingest.Envelope, sendQueueSize),
	}
}

// Run dials and pumps frames until ctx is done, reconnecting with
// exponential backoff in between.
func (c *Client) Run(ctx context.Context) {
	backoff := c.reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("push dial failed, poll-only until reconnect", map[string]interface{}{
				"error":   errors.NewPushDisconnectedError(err).Error(),
				"retryIn": backoff.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.reconnectMax {
				backoff = c.reconnectMax
			}
			continue
		}

		c.setConn(conn)
		backoff = c.reconnectMin
		c.log.Info("push channel connected", map[string]interface{}{"url": c.url})

		stop := make(chan struct{})
		go c.writePump(conn, stop)
		c.readPump(ctx, conn)
		close(stop)
		c.setConn(nil)

		if ctx.Err() != nil {
			return
		}
		c.log.Warn("push channel lost, reconnecting", nil)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	header := http.Header{}
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	return conn, err
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handler(raw)
	}
}

// PublishReadAck echoes a local read action so other sessions update
// instantly, plus a best-effort duplicate on the legacy topic for clients
// that still listen there. Failures are logged only; the local state is
// already committed.
func (c *Client) PublishReadAck(messageID string) {
	ack := map[string]string{"messageId": messageID}
	c.send(ingest.Envelope{Event: ingest.EventMessageRead, Data: mustRaw(ack)})
	// Legacy clients still listen on notification_read; our own multiplexer
	// ignores the topic.
	c.send(ingest.Envelope{Event: "notification_read", Data: mustRaw(ack)})
}

// send queues a frame for the writer goroutine; it never blocks the caller,
// which runs on the session event loop. Frames are dropped when the channel
// is down or the queue is full.
func (c *Client) send(env ingest.Envelope) {
	c.mu.Lock()
	connected := c.conn != nil && !c.closed
	c.mu.Unlock()
	if !connected {
		c.log.Debug("push send skipped, channel down", map[string]interface{}{
			"event": env.Event,
		})
		return
	}
	select {
	case c.sendq <- env:
	default:
		c.log.Warn("push send dropped, queue full", map[string]interface{}{
			"event": env.Event,
		})
	}
}

// writePump serializes all socket writes for one connection. Each write
// carries a deadline so a peer that stops reading fails the connection
// rather than blocking forever.
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case env := <-c.sendq:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				c.log.Warn("push send failed", map[string]interface{}{
					"event": env.Event,
					"error": err.Error(),
				})
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Close tears the connection down; Run returns once its context is
// cancelled.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func mustRaw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
