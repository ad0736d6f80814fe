// Package statusapi exposes the orchestrator's internal state over HTTP:
// a gorilla/mux JSON REST surface for backlog, shadow, pool, cache, and
// guardrail statistics, plus a gorilla/websocket event feed that relays
// every events.Bus publication to connected dashboards.
//
// Grounded on internal/server/server.go's setupRoutes (mux subrouter,
// one HandleFunc per endpoint) and internal/server/hub.go's Hub/Client
// broadcast pattern.
package statusapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/orchestrator/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEvent is the JSON shape relayed to every connected client.
type wsEvent struct {
	Type    events.Type            `json:"type"`
	Source  string                 `json:"source"`
	Payload map[string]interface{} `json:"payload"`
}

// client is one connected WebSocket dashboard.
type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump drains and discards client frames, just enough to notice a
// closed connection and unregister it.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// hub fans events.Bus publications out to every connected client.
type hub struct {
	mu         sync.Mutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// clientCount reports the number of connected dashboards.
func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// relayFrom subscribes to bus and forwards every event to the hub until
// the returned subscription channel is closed via bus.Unsubscribe.
func (h *hub) relayFrom(bus *events.Bus, logger *log.Logger) <-chan events.Event {
	ch := bus.Subscribe()
	go func() {
		for ev := range ch {
			data, err := json.Marshal(wsEvent{Type: ev.Type, Source: ev.Source, Payload: ev.Payload})
			if err != nil {
				logger.Printf("[STATUSAPI] marshal event: %v", err)
				continue
			}
			h.broadcast <- data
		}
	}()
	return ch
}
