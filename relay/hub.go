package relay

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// sendQueueSize bounds the per-client outbound queue. A slow peer drops
	// frames instead of stalling fan-out for everyone else.
	sendQueueSize = 64

	writeWait = 10 * time.Second
)

// Client is one connected operator session.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	log  *zap.Logger

	mu     sync.Mutex
	name   string
	subs   map[string]struct{}
	closed bool
}

func newClient(conn *websocket.Conn, log *zap.Logger) *Client {
	id := uuid.New()
	clientID := hex.EncodeToString(id[:4])
	return &Client{
		ID:          clientID,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		log:         log,
		name:        "Client-" + clientID,
		subs:        make(map[string]struct{}),
	}
}

// Name returns the client's display name.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName overwrites the display name; empty names are ignored.
func (c *Client) SetName(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Subscribe adds robotID to the client's subscription set.
func (c *Client) Subscribe(robotID string) {
	c.mu.Lock()
	c.subs[robotID] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes robotID from the subscription set.
func (c *Client) Unsubscribe(robotID string) {
	c.mu.Lock()
	delete(c.subs, robotID)
	c.mu.Unlock()
}

// IsSubscribed reports whether the client receives updates for robotID.
func (c *Client) IsSubscribed(robotID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[robotID]
	return ok
}

// Enqueue places a pre-serialised frame on the outbound queue. Frames are
// dropped with a log line when the queue is full, and silently once the
// client has been removed. The send happens under the client lock, the same
// lock the hub closes the queue under, so a broadcast holding a pre-removal
// snapshot can never send on a closed channel.
func (c *Client) Enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send queue full, dropping frame",
			zap.String("clientId", c.ID))
	}
}

// SendJSON serialises v and queues it for this client only.
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal client frame", zap.Error(err))
		return
	}
	c.Enqueue(data)
}

// writePump drains the outbound queue onto the socket and keeps the peer
// alive with periodic pings. It exits when the queue is closed by the hub or
// a write fails. gorilla/websocket allows one concurrent writer, so every
// write goes through here.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub holds the set of connected operator clients and fans messages out to
// them. Broadcasts serialise once and iterate a point-in-time snapshot of
// the client set, so a send can never re-enter the hub lock.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// Add creates a client record for conn, registers it and starts its write
// pump.
func (h *Hub) Add(conn *websocket.Conn, pingInterval time.Duration) *Client {
	c := newClient(conn, h.log)
	h.mu.Lock()
	h.clients[c.ID] = c
	total := len(h.clients)
	h.mu.Unlock()
	go c.writePump(pingInterval)
	h.log.Info("client connected",
		zap.String("clientId", c.ID),
		zap.Int("totalClients", total))
	return c
}

// Remove unregisters a client and closes its outbound queue, which lets the
// write pump drain the remaining frames and close the socket. The queue is
// closed under the client lock so it never races an in-flight Enqueue.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	if ok {
		delete(h.clients, c.ID)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	h.log.Info("client disconnected",
		zap.String("clientId", c.ID),
		zap.Int("totalClients", total))
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// BroadcastAll delivers v to every connected client.
func (h *Hub) BroadcastAll(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}
	for _, c := range h.snapshot() {
		c.Enqueue(data)
	}
}

// Shutdown removes every client and waits up to timeout for their write
// pumps to flush the queued frames. The HTTP server does not track hijacked
// WebSocket connections, so without this the process can exit before a final
// broadcast reaches the peers.
func (h *Hub) Shutdown(timeout time.Duration) {
	clients := h.snapshot()
	for _, c := range clients {
		h.Remove(c)
	}
	deadline := time.After(timeout)
	for _, c := range clients {
		select {
		case <-c.done:
		case <-deadline:
			return
		}
	}
}

// BroadcastSubscribers delivers v to every client subscribed to robotID.
func (h *Hub) BroadcastSubscribers(robotID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}
	for _, c := range h.snapshot() {
		if c.IsSubscribed(robotID) {
			c.Enqueue(data)
		}
	}
}
