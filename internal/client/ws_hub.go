package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 32
)

// Hub keeps the live WebSocket connections of every user and delivers push
// envelopes to them. A user may hold several connections; each receives
// every envelope. A connection whose send buffer is full is dropped.
type Hub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]map[*wsConn]struct{}
}

type wsConn struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		log:   log,
		conns: make(map[string]map[*wsConn]struct{}),
	}
}

// ServeWS upgrades the request and registers the connection under the
// user_id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsConn{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go h.writePump(c)
	go h.readPump(c)
}

// SendToUser delivers env to every connection of userID. A user with no
// open connection is not an error.
func (h *Hub) SendToUser(_ context.Context, userID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, payload)
	}
	return nil
}

// Broadcast delivers a broadcast envelope to every connected user.
func (h *Hub) Broadcast(_ context.Context, data map[string]any) {
	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.conns))
	for _, set := range h.conns {
		for c := range set {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, c := range targets {
		payload, err := json.Marshal(NewEnvelope(EnvelopeBroadcast, c.userID, data, now))
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to marshal broadcast envelope")
			return
		}
		h.enqueue(c, payload)
	}
}

// Connections returns the number of open connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.conns
	h.conns = make(map[string]map[*wsConn]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*wsConn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	h.log.Debug().Str("user_id", c.userID).Int("connections", len(set)).Msg("WebSocket client registered")
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) enqueue(c *wsConn, payload []byte) {
	defer func() {
		// send may have been closed by a concurrent unregister.
		_ = recover()
	}()
	select {
	case c.send <- payload:
	default:
		h.log.Warn().Str("user_id", c.userID).Msg("WebSocket client too slow; dropping connection")
		h.unregister(c)
	}
}

// readPump discards client messages and unregisters on disconnect.
func (h *Hub) readPump(c *wsConn) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.send) })
}
