package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/mlsorensen/godesk"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// the bridge is meant for the local network
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// Heartbeat interval
	pingInterval = 30 * time.Second
	// Write timeout
	writeTimeout = 10 * time.Second
	// pongWait is how long a silent client is kept
	pongWait = 60 * time.Second
)

// Message is the envelope of everything sent over the websocket.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Message types.
const (
	TypeConnected = "connected"
	TypeSnapshot  = "snapshot"
	TypePhase     = "phase"
	TypeResult    = "result"
	TypePong      = "pong"
)

// Result answers a command sent over the websocket.
type Result struct {
	ID     string `json:"id,omitempty"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// clientMessage is what clients send.
type clientMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub
}

// Hub fans the desk's snapshot and phase feeds out to websocket clients.
type Hub struct {
	desk       godesk.Desk
	cfg        godesk.Config
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub(desk godesk.Desk, cfg godesk.Config) *Hub {
	return &Hub{
		desk:       desk,
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's event loop. It returns when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	snapshots, stopSnapshots := h.desk.Subscribe()
	defer stopSnapshots()
	phases, stopPhases := h.desk.SubscribePhases()
	defer stopPhases()

	log.Println("[WS] Hub started")
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s, total clients: %d", client.ID, h.ClientCount())

		case client := <-h.unregister:
			h.drop(client)
			log.Printf("[WS] Client disconnected: %s, total clients: %d", client.ID, h.ClientCount())

		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			h.broadcast(Message{Type: TypeSnapshot, Data: NewState(h.desk, h.cfg, snap)})

		case change, ok := <-phases:
			if !ok {
				phases = nil
				continue
			}
			h.broadcast(Message{Type: TypePhase, Data: change})
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Send <- data:
		default:
			// Client send buffer is full, close connection
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.Send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ReadPump handles incoming messages from the client
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-ctx.Done():
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Client %s read error: %v", c.ID, err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debugf("[WS] Client %s sent invalid message: %v", c.ID, err)
			continue
		}

		switch msg.Type {
		case "ping":
			c.reply(Message{Type: TypePong})
		case "command":
			var cmd Command
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				c.reply(Message{Type: TypeResult, Data: Result{ID: msg.ID, Status: http.StatusBadRequest, Error: err.Error()}})
				continue
			}
			err := Execute(ctx, c.Hub.desk, cmd)
			res := Result{ID: msg.ID, Status: StatusFor(err)}
			if err != nil {
				res.Error = err.Error()
			}
			c.reply(Message{Type: TypeResult, Data: res})
		}
	}
}

// reply queues a message for this client only. It may race with the hub
// closing Send, in which case the message is dropped.
func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if !c.Hub.clients[c] {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// WritePump handles outgoing messages to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel closed
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handle upgrades the request and serves one websocket client.
func (h *Hub) Handle(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[WS] Failed to upgrade connection: %v", err)
			return
		}

		client := &Client{
			ID:   uuid.NewString(),
			Conn: conn,
			Send: make(chan []byte, 64),
			Hub:  h,
		}

		// the current state goes first, so clients never start blank
		if data, err := json.Marshal(Message{Type: TypeConnected, Data: NewState(h.desk, h.cfg, h.desk.Snapshot())}); err == nil {
			client.Send <- data
		}

		select {
		case h.register <- client:
		case <-ctx.Done():
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump(ctx)
	}
}
