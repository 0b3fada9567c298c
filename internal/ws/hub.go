package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubrts/youtube-command-deck/internal/logger"
)

const outboundBuffer = 32

// Client is one connected subscriber. Outbound is bounded; a subscriber
// that cannot drain it in time is dropped rather than blocking publishers.
type Client struct {
	Outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Hub fans job events out to websocket subscribers. Publish is non-blocking
// and best-effort; per-client delivery preserves publish order for events
// seen after the client connected.
type Hub struct {
	mu      sync.RWMutex
	log     *logger.Logger
	clients map[*Client]bool

	upgrader websocket.Upgrader
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:     log.With("component", "WSHub"),
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		client.close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast marshals once and offers the payload to every subscriber. A
// full outbound buffer means the subscriber is too slow; it gets evicted.
func (h *Hub) Broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("Failed to marshal broadcast payload", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var dropped []*Client
	for _, c := range clients {
		select {
		case c.Outbound <- data:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		h.log.Warn("Dropping slow websocket subscriber")
		h.unregister(c)
	}
}

// ServeWS upgrades the request, sends the hello payload, then pumps the
// client's outbound queue until the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, hello any) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "error", err)
		return
	}
	client := &Client{
		Outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
	}
	h.register(client)

	defer func() {
		h.unregister(client)
		_ = conn.Close()
	}()

	if hello != nil {
		data, err := json.Marshal(hello)
		if err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}

	// Reader goroutine: clients do not send anything meaningful, but the
	// read loop surfaces closes and answers pings.
	go func() {
		defer client.close()
		conn.SetReadLimit(1 << 16)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-client.done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data := <-client.Outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
