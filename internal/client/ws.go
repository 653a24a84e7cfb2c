// Package client connects to the KPI notification channel over WebSocket
// and exposes it as an events.Source.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NikosSpanos/health-monitoring-app/internal/events"
)

// ErrNotConnected is returned by Emit while no connection is up.
var ErrNotConnected = errors.New("client: not connected")

const (
	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultPongTimeout   = 60 * time.Second
	defaultPingInterval  = 30 * time.Second
)

// Options configures a Client. Zero durations take the defaults above.
type Options struct {
	URL   string
	Token string

	WriteTimeout  time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is a reconnecting WebSocket event source. Inbound frames are
// {"event": name, "data": payload}; handlers run on the Run goroutine, one
// event at a time. Every successful (re)connect dispatches a local connect
// event, every dropped connection a disconnect event.
type Client struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	handlers map[string][]events.Handler
	conn     *websocket.Conn

	writeMu sync.Mutex // serialises all conn writes (ping, emit, auth)
}

// New creates a client for opts.URL. Call Run to connect.
func New(opts Options) *Client {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts:     opts,
		log:      log.With("component", "client", "url", opts.URL),
		handlers: make(map[string][]events.Handler),
	}
}

func (c *Client) On(event string, h events.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Emit writes one event frame to the current connection.
func (c *Client) Emit(event string, payload any) error {
	data, err := events.Encode(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(conn, events.Message{Event: event, Data: data})
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects, dispatches inbound events and reconnects with exponential
// backoff until ctx is cancelled. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectBase
	bo.MaxInterval = c.opts.ReconnectMax
	bo.Multiplier = 2
	bo.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := bo.NextBackOff()
			c.log.Warn("ws dial failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.NextBackOff()
		c.log.Warn("ws connection lost", "error", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, err
	}

	// The connection is not shared yet, so no write mutex is needed.
	if c.opts.Token != "" {
		auth := events.Message{Event: "auth", Data: mustJSON(map[string]string{"token": c.opts.Token})}
		conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := conn.WriteJSON(auth); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sending auth: %w", err)
		}
	}
	return conn, nil
}

// serve owns conn until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := uuid.NewString()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	log := c.log.With("conn_id", connID)
	log.Info("ws connected")

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go c.pingLoop(connCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

	c.dispatch(events.Message{Event: events.Connect})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if ctx.Err() == nil {
				c.dispatch(events.Message{
					Event: events.Disconnect,
					Data:  mustJSON(events.DisconnectPayload{Error: err.Error()}),
				})
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

		var msg events.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			log.Debug("ignoring unreadable frame", "bytes", len(data))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg events.Message) {
	c.mu.Lock()
	hs := append([]events.Handler(nil), c.handlers[msg.Event]...)
	c.mu.Unlock()

	if len(hs) == 0 {
		c.log.Debug("no handler for event", "event", msg.Event)
		return
	}
	for _, h := range hs {
		h(msg.Data)
	}
}

// pingLoop sends periodic pings on conn until ctx ends or a write fails.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
