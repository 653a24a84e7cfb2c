// Package client talks to a running dashboard server on behalf of the
// terminal viewer. Its commands return Bubble Tea messages.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/NikosSpanos/health-monitoring-app/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNoConnection = errors.New("no connection")

// WSClient follows the dashboard's container pushes.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	seq     uint64
	pingCtx context.CancelFunc

	// retry delays; tests shorten them
	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewWSClient(url, token string) *WSClient {
	return &WSClient{
		url:       url,
		token:     token,
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
}

// --- Bubble Tea messages ---

type ConnectedMsg struct{}

type DisconnectedMsg struct{ Err error }

// RenderMsg carries one container push.
type RenderMsg struct {
	Seq     uint64
	Payload ws.RenderPayload
}

// Listen returns a command that connects, retrying with doubling delays
// until it succeeds or ctx is cancelled.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := c.baseDelay
		for {
			var header http.Header
			if c.token != "" {
				header = http.Header{"Authorization": {"Bearer " + c.token}}
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
			if err == nil {
				c.mu.Lock()
				if c.pingCtx != nil {
					c.pingCtx()
				}
				pingCtx, pingCancel := context.WithCancel(ctx)
				c.conn = conn
				c.seq = 0
				c.pingCtx = pingCancel
				c.mu.Unlock()

				go c.pingLoop(pingCtx, conn)
				return ConnectedMsg{}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, c.maxDelay)
		}
	}
}

// ReadLoop returns a command that reads until the next render push.
// It should be started after receiving ConnectedMsg and re-issued after
// every RenderMsg.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: errNoConnection}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return DisconnectedMsg{Err: err}
			}

			var msg struct {
				Type    ws.MessageType  `json:"type"`
				Seq     uint64          `json:"seq"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != ws.MsgRender {
				continue
			}
			var p ws.RenderPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}

			c.mu.Lock()
			c.seq = msg.Seq
			c.mu.Unlock()
			return RenderMsg{Seq: msg.Seq, Payload: p}
		}
	}
}

// Close drops the current connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingCtx != nil {
		c.pingCtx()
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
