package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"track-record-engine/handlers"
)

// Client is a terminal-side connection to the gateway. ledgerctl uses it to
// push exported events; tests use it to drive the gateway.
type Client struct {
	url        string
	conn       *websocket.Conn
	header     http.Header
	writeMu    sync.Mutex
	pingCancel context.CancelFunc
}

// NewClient creates a new WebSocket client
func NewClient(url string, token string) *Client {
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)

	return &Client{
		url:    url,
		header: header,
	}
}

// Connect establishes WebSocket connection
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	c.conn = conn
	return nil
}

// StartPing sends ping frames at interval until Close.
func (c *Client) StartPing(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Send(handlers.Frame{Type: handlers.TypePing}); err != nil {
					return
				}
			}
		}
	}()
}

// Send writes one frame thread-safely.
func (c *Client) Send(frame handlers.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection is nil")
	}
	return c.conn.WriteJSON(frame)
}

// ReadReply reads the next reply. Data stays raw for the caller to decode.
func (c *Client) ReadReply() (handlers.Frame, error) {
	if c.conn == nil {
		return handlers.Frame{}, fmt.Errorf("connection is nil")
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return handlers.Frame{}, err
	}
	var frame handlers.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return handlers.Frame{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return frame, nil
}

// Request sends a frame and waits for the reply carrying the same id,
// skipping pongs of the keep-alive loop.
func (c *Client) Request(frameType, id string, data interface{}) (handlers.Frame, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return handlers.Frame{}, err
		}
		raw = encoded
	}
	if err := c.Send(handlers.Frame{Type: frameType, ID: id, Data: raw}); err != nil {
		return handlers.Frame{}, err
	}
	for {
		reply, err := c.ReadReply()
		if err != nil {
			return handlers.Frame{}, err
		}
		if reply.ID == id {
			return reply, nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.pingCancel != nil {
		c.pingCancel()
	}
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
