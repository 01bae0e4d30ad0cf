package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dockyard-paas/dockyard/internal/logbuf"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API sits behind a trusted upstream which checks origins
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocket sends events as JSON text messages.
type WebSocket struct {
	conn *websocket.Conn

	mu        sync.Mutex
	done      chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

// Upgrade switches the connection to the websocket protocol. The
// returned sink watches the connection for the peer closing it.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	ws := &WebSocket{
		conn:     conn,
		done:     make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	go ws.readLoop()
	return ws, nil
}

// readLoop discards client messages; it ends when the peer disconnects.
func (c *WebSocket) readLoop() {
	defer close(c.done)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *WebSocket) Send(ev logbuf.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Debug("websocket send failed", "error", err)
		return err
	}
	return nil
}

// Close sends a normal closure frame and terminates the connection.
func (c *WebSocket) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.mu.Unlock()
		close(c.closedCh)
	})
}

func (c *WebSocket) Done() <-chan struct{} {
	return c.done
}

func (c *WebSocket) Closed() <-chan struct{} {
	return c.closedCh
}
