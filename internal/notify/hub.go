package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// ErrNoSubscribers is returned when a push reaches no connected client.
var ErrNoSubscribers = errors.New("no push subscribers connected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the JSON frame pushed to dashboard clients.
type Message struct {
	Type      string    `json:"type"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnObserver is notified of connection and message events. Optional.
type ConnObserver interface {
	WSConnectionOpened()
	WSConnectionClosed()
	RecordWSMessage(msgType string)
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	subscriber string
	send       chan []byte
	closeOnce  sync.Once
}

// Hub fans push messages out to connected WebSocket clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	observer ConnObserver
	logger   *slog.Logger
}

// NewHub creates an empty hub. observer may be nil.
func NewHub(observer ConnObserver, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:  make(map[*client]struct{}),
		observer: observer,
		logger:   logger.With("component", "push_hub"),
	}
}

// ServeWS upgrades the request and registers the connection under
// subscriber. It returns once the connection is registered.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, subscriber string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &client{hub: h, conn: conn, subscriber: subscriber, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.observer != nil {
		h.observer.WSConnectionOpened()
	}
	h.logger.Info("push subscriber connected", "subscriber", subscriber)

	go c.writePump()
	go c.readPump()
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client whose subscriber matches. An empty
// subscriber matches all clients. It returns the number of clients reached.
func (h *Hub) Broadcast(subscriber string, msg Message) (int, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal push message: %w", err)
	}

	h.mu.RLock()
	var slow []*client
	delivered := 0
	for c := range h.clients {
		if subscriber != "" && c.subscriber != subscriber {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow push subscriber", "subscriber", c.subscriber)
		h.remove(c)
	}
	if delivered > 0 && h.observer != nil {
		h.observer.RecordWSMessage(msg.Type)
	}
	return delivered, nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.closeOnce.Do(func() { close(c.send) })
	if h.observer != nil {
		h.observer.WSConnectionClosed()
	}
	h.logger.Info("push subscriber disconnected", "subscriber", c.subscriber)
}

// readPump discards inbound frames and keeps the read deadline fresh. It
// unregisters the client when the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
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

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

// PushSender delivers notifications through a Hub. The destination selects
// a subscriber; empty or "all" broadcasts.
type PushSender struct {
	hub     *Hub
	msgType string
}

// NewPushSender creates a sender that tags messages with msgType.
func NewPushSender(hub *Hub, msgType string) *PushSender {
	if msgType == "" {
		msgType = "alert"
	}
	return &PushSender{hub: hub, msgType: msgType}
}

// Send implements Sender.
func (s *PushSender) Send(ctx context.Context, destination, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if destination == "all" {
		destination = ""
	}
	n, err := s.hub.Broadcast(destination, Message{Type: s.msgType, Subject: subject, Body: body})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoSubscribers
	}
	return nil
}
