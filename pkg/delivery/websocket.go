package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kabili207/geochat/pkg/models"
)

const writeTimeout = 5 * time.Second

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// WebsocketTransport delivers to browsers attached over a websocket.
type WebsocketTransport struct {
	mu    sync.RWMutex
	conns map[string]map[*wsConn]struct{}
	log   *slog.Logger
}

// NewWebsocketTransport creates an empty transport.
func NewWebsocketTransport(logger *slog.Logger) *WebsocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketTransport{
		conns: make(map[string]map[*wsConn]struct{}),
		log:   logger.WithGroup("websocket"),
	}
}

// Serve attaches conn to userID and blocks reading until the peer goes
// away. Incoming frames are discarded.
func (t *WebsocketTransport) Serve(userID string, conn *websocket.Conn) {
	c := &wsConn{conn: conn}

	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		set = make(map[*wsConn]struct{})
		t.conns[userID] = set
	}
	set[c] = struct{}{}
	t.mu.Unlock()
	t.log.Info("client attached", "user", userID)

	defer func() {
		t.mu.Lock()
		delete(set, c)
		if len(set) == 0 {
			delete(t.conns, userID)
		}
		t.mu.Unlock()
		conn.Close()
		t.log.Info("client detached", "user", userID)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Connected reports whether userID has at least one attached socket.
func (t *WebsocketTransport) Connected(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns[userID]) > 0
}

// Send writes payload to every socket attached for recipientID.
func (t *WebsocketTransport) Send(ctx context.Context, recipientID string, payload []byte) error {
	t.mu.RLock()
	targets := make([]*wsConn, 0, len(t.conns[recipientID]))
	for c := range t.conns[recipientID] {
		targets = append(targets, c)
	}
	t.mu.RUnlock()

	if len(targets) == 0 {
		return models.ErrInvalidRecipient
	}

	var sent int
	var lastErr error
	for _, c := range targets {
		if err := c.write(payload); err != nil {
			lastErr = err
			t.log.Warn("websocket write failed", "user", recipientID, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("websocket send to %s: %w", recipientID, lastErr)
	}
	return nil
}
