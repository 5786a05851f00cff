package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"binstatus-bridge/internal/coordinator"

	"nhooyr.io/websocket"
)

// eventSnapshot is the first frame on a new connection: the configured
// devices, so a client can render state before any command goes out.
const eventSnapshot = "snapshot"

// WSHub fans coordinator events out to WebSocket clients. Clients may limit
// delivery with /ws?types=command_sent,command_failed.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsMessage

	done     chan struct{}
	stopOnce sync.Once
}

// wsMessage is an encoded frame and the event type used for filtering.
type wsMessage struct {
	eventType string
	data      []byte
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool // nil means every type
}

func (c *wsClient) wants(eventType string) bool {
	return c.types == nil || eventType == "" || c.types[eventType]
}

// parseTypes reads the ?types=a,b filter of a WebSocket request.
func parseTypes(r *http.Request) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop. Clients whose send buffer is full are
// dropped rather than stalling the others.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", n)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *WSHub) deliver(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(msg.eventType) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)", "event", msg.eventType)
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues msg for every interested client. It never blocks; when
// the queue is full the message is dropped.
func (h *WSHub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	var eventType string
	if ev, ok := msg.(coordinator.Event); ok {
		eventType = ev.Type
	}
	select {
	case h.broadcast <- wsMessage{eventType: eventType, data: data}:
	default:
		h.logger.Warn("ws broadcast queue full, dropping message", "event", eventType)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Without allowed origins nhooyr only accepts same-origin upgrades.
	opts := &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, 64),
		types: parseTypes(r),
	}
	if client.wants(eventSnapshot) {
		if data, ok := s.snapshot(); ok {
			client.send <- data
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) snapshot() ([]byte, bool) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("ws snapshot", "err", err)
		return nil, false
	}
	data, err := json.Marshal(coordinator.Event{Type: eventSnapshot, Data: map[string]any{
		"devices": devices,
		"schemas": s.coord.Registry().All(),
	}})
	if err != nil {
		s.logger.Error("ws snapshot", "err", err)
		return nil, false
	}
	return data, true
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump drains the connection until it closes. The socket is
// receive-only; client messages are discarded.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
