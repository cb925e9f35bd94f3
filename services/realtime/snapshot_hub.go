package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"narrative_backend/models"

	"github.com/gorilla/websocket"
)

// Constants for hub configuration
const (
	MaxWebSocketClients   = 100 // Maximum concurrent WebSocket clients
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
	clientSendBuffer      = 256
)

// Message is the envelope sent to every client
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

// SnapshotEvent is the payload of a "snapshot" message
type SnapshotEvent struct {
	Slug    string    `json:"slug"`
	Ts      time.Time `json:"ts"`
	Price   *float64  `json:"price"`
	BestBid *float64  `json:"best_bid"`
	BestAsk *float64  `json:"best_ask"`
	Volume  *float64  `json:"volume"`
}

type outbound struct {
	slug string
	data []byte
}

// Client represents a WebSocket client
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]bool
	mu         sync.RWMutex
}

// wants reports whether the client should receive events for slug.
// A client with no subscriptions receives everything.
func (c *Client) wants(slug string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribed) == 0 || c.subscribed[slug]
}

// SnapshotHub pushes every persisted snapshot to connected WebSocket clients
type SnapshotHub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewSnapshotHub creates the hub and starts its loop
func NewSnapshotHub() *SnapshotHub {
	h := &SnapshotHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	go h.run()
	return h
}

// Publish queues a snapshot for broadcast. It never blocks the collector:
// when the queue is full the event is dropped.
func (h *SnapshotHub) Publish(snap models.MarketSnapshot) {
	msg := Message{
		Type: "snapshot",
		Data: SnapshotEvent{
			Slug:    snap.Slug,
			Ts:      snap.Timestamp,
			Price:   snap.Price,
			BestBid: snap.BestBid,
			BestAsk: snap.BestAsk,
			Volume:  snap.Volume,
		},
		Time: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling snapshot event: %v", err)
		return
	}

	select {
	case h.broadcast <- outbound{slug: snap.Slug, data: data}:
	case <-h.shutdown:
	default:
		log.Printf("Snapshot feed backlog full, dropping event for %s", snap.Slug)
	}
}

// ClientCount returns the number of connected clients
func (h *SnapshotHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection and stops the hub loop
func (h *SnapshotHub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)

		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			client.conn.Close()
		}
		h.clients = make(map[*Client]bool)
		h.mu.Unlock()

		log.Println("Snapshot feed shutdown complete")
	})
}

// run is the hub loop
func (h *SnapshotHub) run() {
	for {
		select {
		case <-h.shutdown:
			return

		case client := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= MaxWebSocketClients {
				h.mu.Unlock()
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				client.conn.Close()
				log.Printf("WebSocket client rejected: max clients reached (%d)", MaxWebSocketClients)
				continue
			}
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Printf("Snapshot feed client connected. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Printf("Snapshot feed client disconnected. Total clients: %d", clientCount)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.slug) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Client buffer full, drop it
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and attaches the client to the hub
func (h *SnapshotHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= MaxWebSocketClients {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		conn:       conn,
		send:       make(chan []byte, clientSendBuffer),
		subscribed: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles subscribe/unsubscribe commands until the connection drops
func (c *Client) readPump(h *SnapshotHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}

		var cmd struct {
			Action string   `json:"action"`
			Slugs  []string `json:"slugs"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.mu.Lock()
			for _, slug := range cmd.Slugs {
				c.subscribed[slug] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, slug := range cmd.Slugs {
				delete(c.subscribed, slug)
			}
			c.mu.Unlock()
		}
	}
}

// Subscriptions returns how many clients follow slug explicitly
func (h *SnapshotHub) Subscriptions(slug string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		client.mu.RLock()
		if client.subscribed[slug] {
			n++
		}
		client.mu.RUnlock()
	}
	return n
}
