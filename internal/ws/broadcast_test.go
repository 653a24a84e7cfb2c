package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NikosSpanos/health-monitoring-app/internal/render"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side and browser-side connections. Both are closed on cleanup.
func dialTestWS(t *testing.T) (server, browser *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-connCh:
		t.Cleanup(func() { serverConn.Close() })
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

func readRender(t *testing.T, conn *websocket.Conn) (WSMessage, RenderPayload) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw struct {
		Type    MessageType   `json:"type"`
		Seq     uint64        `json:"seq"`
		Payload RenderPayload `json:"payload"`
	}
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatalf("read: %v", err)
	}
	return WSMessage{Type: raw.Type, Seq: raw.Seq}, raw.Payload
}

func TestAddClient_SendsCurrentStateFirst(t *testing.T) {
	c := render.NewContainer(render.DefaultContainerID)
	c.Replace("<h2>Device: A (ID: 1)</h2>")
	b := NewBroadcaster(c, 0, nil, discard)
	defer b.Stop()

	serverConn, browser := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	msg, p := readRender(t, browser)
	if msg.Type != MsgRender {
		t.Errorf("type = %q, want %q", msg.Type, MsgRender)
	}
	if p.Container != render.DefaultContainerID {
		t.Errorf("container = %q", p.Container)
	}
	if p.Version != 1 || string(p.HTML) != "<h2>Device: A (ID: 1)</h2>" {
		t.Errorf("payload = %+v", p)
	}
}

func TestBroadcaster_PublishesReplacements(t *testing.T) {
	c := render.NewContainer(render.DefaultContainerID)
	b := NewBroadcaster(c, 0, nil, discard)
	defer b.Stop()

	serverConn, browser := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	first, initial := readRender(t, browser)
	if initial.Version != 0 || initial.HTML != "" {
		t.Errorf("initial payload = %+v", initial)
	}

	c.Replace("<table></table>")
	second, p := readRender(t, browser)
	if p.Version != 1 || string(p.HTML) != "<table></table>" {
		t.Errorf("payload = %+v", p)
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq did not advance: %d then %d", first.Seq, second.Seq)
	}

	c.MarkStale(true)
	_, stale := readRender(t, browser)
	if !stale.Stale || stale.Version != 2 {
		t.Errorf("stale payload = %+v", stale)
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(render.NewContainer(render.DefaultContainerID), maxConns, nil, discard)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		conn, _ := dialTestWS(t)
		c, err := b.AddClient(conn)
		if err != nil {
			t.Fatalf("AddClient #%d: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("client count = %d, want %d", got, maxConns)
	}

	conn, _ := dialTestWS(t)
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("AddClient over limit: got %v, want ErrTooManyConnections", err)
	}

	b.RemoveClient(clients[0])
	conn, _ = dialTestWS(t)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
}

func TestBroadcaster_DropsOlderStates(t *testing.T) {
	c := render.NewContainer(render.DefaultContainerID)
	b := NewBroadcaster(c, 0, nil, discard)
	defer b.Stop()

	serverConn, browser := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	readRender(t, browser)

	// publishes racing each other may arrive newest first
	b.publish(render.State{ID: c.ID(), HTML: "<p>5</p>", Version: 5})
	b.publish(render.State{ID: c.ID(), HTML: "<p>3</p>", Version: 3})
	b.publish(render.State{ID: c.ID(), HTML: "<p>6</p>", Version: 6})

	for _, want := range []uint64{5, 6} {
		if _, p := readRender(t, browser); p.Version != want {
			t.Fatalf("version = %d, want %d", p.Version, want)
		}
	}
}

func TestRemoveClient_Idempotent(t *testing.T) {
	b := NewBroadcaster(render.NewContainer(render.DefaultContainerID), 0, nil, discard)
	defer b.Stop()

	conn, _ := dialTestWS(t)
	c, err := b.AddClient(conn)
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	b.RemoveClient(c)
	b.RemoveClient(c)
	if got := b.ClientCount(); got != 0 {
		t.Errorf("client count = %d, want 0", got)
	}
}

func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	c := render.NewContainer(render.DefaultContainerID)
	b := NewBroadcaster(c, 0, nil, discard)
	defer b.Stop()

	serverConn, _ := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	// Closing the underlying connection makes the next write fail.
	serverConn.UnderlyingConn().Close()
	c.Replace("<br>")

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after write error")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStop_DetachesFromContainer(t *testing.T) {
	c := render.NewContainer(render.DefaultContainerID)
	b := NewBroadcaster(c, 0, nil, discard)

	serverConn, _ := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	b.Stop()
	if got := b.ClientCount(); got != 0 {
		t.Errorf("client count after Stop = %d", got)
	}
	// must not panic on a closed send channel
	c.Replace("<br>")
}

func TestEncode_Envelope(t *testing.T) {
	b := &Broadcaster{}
	data, err := b.encode(render.State{ID: "kpi-tables", HTML: "<br>", Version: 3, Note: "task failed"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "render" {
		t.Errorf("type = %v", got["type"])
	}
	payload := got["payload"].(map[string]any)
	if payload["container"] != "kpi-tables" || payload["html"] != "<br>" || payload["note"] != "task failed" {
		t.Errorf("payload = %v", payload)
	}
}
