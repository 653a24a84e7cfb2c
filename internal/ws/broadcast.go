package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NikosSpanos/health-monitoring-app/internal/metrics"
	"github.com/NikosSpanos/health-monitoring-app/internal/render"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeTimeout = 10 * time.Second

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte

	// mu orders the version check with the queue send.
	mu      sync.Mutex
	version uint64
}

// offer queues data unless the client already has version or newer.
// It reports false when the queue is full.
func (c *client) offer(version uint64, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version <= c.version {
		return true
	}
	select {
	case c.send <- data:
		c.version = version
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster pushes every container replacement to connected browsers.
// A browser that cannot keep up is disconnected and reloads on reconnect.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	seq      atomic.Uint64

	container   *render.Container
	unsubscribe func()
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// NewBroadcaster subscribes to container. maxConns <= 0 means unlimited.
func NewBroadcaster(container *render.Container, maxConns int, m *metrics.Metrics, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		clients:   make(map[*client]bool),
		maxConns:  maxConns,
		container: container,
		metrics:   m,
		log:       log.With("component", "broadcaster"),
	}
	b.unsubscribe = container.Subscribe(b.publish)
	return b
}

// AddClient registers conn and queues the current container state for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 16),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	// Queue the current state before the client becomes visible to
	// publish, so it is always the first message.
	st := b.container.State()
	if data, err := b.encode(st); err == nil {
		c.send <- data
		c.version = st.Version
	}
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.metrics.SetBrowserClients(n)

	go c.writePump()

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	n := len(b.clients)
	b.mu.Unlock()
	b.metrics.SetBrowserClients(n)
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop detaches from the container and disconnects every client.
func (b *Broadcaster) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	b.metrics.SetBrowserClients(0)
}

func (b *Broadcaster) publish(st render.State) {
	data, err := b.encode(st)
	if err != nil {
		b.log.Error("broadcast marshal error", "error", err)
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send. Concurrent publishes may race, so each client drops
	// states older than the one it already holds.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		if !c.offer(st.Version, data) {
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) encode(st render.State) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type: MsgRender,
		Seq:  b.seq.Add(1),
		Payload: RenderPayload{
			Container:  st.ID,
			HTML:       st.HTML,
			Version:    st.Version,
			Stale:      st.Stale,
			Note:       st.Note,
			RenderedAt: st.RenderedAt,
		},
	})
}
