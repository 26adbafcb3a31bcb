package weblog

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

const (
	maxWSConnections = 200
	hubBufferSize    = 256
	writeDeadline    = 5 * time.Second
)

// Hub manages WebSocket subscribers of the web-log stream. A single
// broadcaster goroutine fans events out; clients may filter by user id.
type Hub struct {
	clients    map[*websocket.Conn]string // conn -> user_id filter ("" = all)
	register   chan hubRegistration
	unregister chan *websocket.Conn
	events     chan schemas.WebLogEvent
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

type hubRegistration struct {
	conn   *websocket.Conn
	userID string
}

// NewHub creates a websocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan hubRegistration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan schemas.WebLogEvent, hubBufferSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logx.WithComponent("weblog-hub"),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.log.Warn().Int("max", maxWSConnections).Msg("websocket connection rejected, cap reached")
				continue
			}
			h.clients[reg.conn] = reg.userID
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("user_id", reg.userID).Int("total", total).Msg("weblog subscriber registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev schemas.WebLogEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, userFilter := range h.clients {
		if userFilter != "" && userFilter != ev.UserID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Warn().Err(err).Msg("websocket write error")
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log.Info().Int("clients", len(h.clients)).Msg("shutting down weblog hub")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Broadcast enqueues an event for fan-out; full buffers drop the event, the
// stream is advisory.
func (h *Hub) Broadcast(ev schemas.WebLogEvent) {
	select {
	case h.events <- ev:
	default:
	}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ServeWS upgrades an HTTP request into a web-log subscription. The optional
// user_id query parameter restricts the stream to one user's events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.register <- hubRegistration{conn: conn, userID: r.URL.Query().Get("user_id")}

	// Read pump: discard client frames, detect disconnects.
	go func() {
		defer h.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
