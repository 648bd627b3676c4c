package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"crm-orchestrator/internal/event"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator dashboard runs cross-origin in dev
	},
}

// Client is one connected dashboard socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bus events out to connected operator dashboards.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (h *Hub) BroadcastEvent(eventType string, data any) {
	payload, err := json.Marshal(wsEvent{Type: eventType, Data: data})
	if err != nil {
		log.Printf("Error marshaling WS event: %v", err)
		return
	}
	h.broadcast <- payload
}

// Bind mirrors every business event onto the dashboard feed. The hub is a
// plain bus consumer; it never blocks the engine's own handlers.
func (h *Hub) Bind(bus event.Bus) error {
	types := []string{
		event.TypeMessageReceived,
		event.TypeOrderCreated,
		event.TypeStageChanged,
		event.TypeTagApplied,
		event.TypeSessionStart,
		event.TypeSessionTimeout,
	}
	for _, t := range types {
		if err := bus.Subscribe(t, func(evt event.Event) error {
			h.BroadcastEvent(evt.Type, evt)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		// Dashboards never send application messages; reading keeps the
		// connection's control frames serviced and detects closure.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
