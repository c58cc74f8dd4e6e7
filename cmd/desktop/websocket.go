package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/docsync/internal/logging"
	syncpkg "github.com/kimhsiao/docsync/internal/sync"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts requests without an Origin header (native clients) and
// browser pages served from a loopback host on any port.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSEnvelope wraps every event sent to clients.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// wsRequest is a control message sent by a client.
type wsRequest struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// WSClient is one connection. A client without subscriptions receives every
// event. A subscription ending in ".*" matches a whole event family.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            gosync.Mutex
	subscriptions map[string]bool
}

func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	if c.subscriptions[eventType] {
		return true
	}
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return c.subscriptions[eventType[:i]+".*"]
	}
	return false
}

func (c *WSClient) subscribe(events []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range events {
		if on {
			c.subscriptions[e] = true
		} else {
			delete(c.subscriptions, e)
		}
	}
}

type message struct {
	eventType string
	payload   []byte
}

// WSHub tracks clients and fans events out to them.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan message
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         gosync.RWMutex
}

// NewWSHub creates a hub. It does nothing until Run is called.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client": client.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// a client that cannot keep up is dropped
					close(client.send)
					delete(h.clients, id)
					logging.Warn("WebSocket client too slow, disconnected", map[string]interface{}{"client": id})
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every subscribed client. It never blocks:
// when the queue is full the event is dropped.
func (h *WSHub) Broadcast(eventType string, data map[string]interface{}) {
	payload, err := json.Marshal(WSEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Error("Failed to marshal WebSocket event", err, map[string]interface{}{"type": eventType})
		return
	}
	select {
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	case <-h.done:
	default:
		logging.Warn("WebSocket queue full, event dropped", map[string]interface{}{"type": eventType})
	}
}

// OnSyncEvent forwards engine events to clients.
func (h *WSHub) OnSyncEvent(event syncpkg.SyncEvent) {
	data := make(map[string]interface{}, len(event.Data)+3)
	for k, v := range event.Data {
		data[k] = v
	}
	if event.Message != "" {
		data["message"] = event.Message
	}
	if event.Table != "" {
		data["table"] = event.Table
	}
	if event.RecordID != 0 {
		data["record_id"] = event.RecordID
	}
	h.Broadcast(string(event.Type), data)
}

// Handle upgrades the request and attaches the connection to the hub.
func (h *WSHub) Handle(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	client := &WSClient{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()
	return nil
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("WebSocket read failed", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}
		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply("error", nil)
			continue
		}

		switch req.Action {
		case "subscribe":
			c.subscribe(req.Events, true)
			c.reply("subscribe_ack", req.Events)
		case "unsubscribe":
			c.subscribe(req.Events, false)
			c.reply("unsubscribe_ack", req.Events)
		case "ping":
			c.reply("pong", nil)
		}
	}
}

// reply queues a control response. The hub owns the send channel, so a
// reply is skipped if the hub has already let go of the client.
func (c *WSClient) reply(action string, events []string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"action":    action,
		"events":    events,
		"timestamp": time.Now().UnixMilli(),
	})
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
