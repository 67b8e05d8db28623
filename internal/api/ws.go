package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// telemetryBuffer bounds how many cycles queue while the hub is busy
// writing. The stream is a live view; superseded cycles are dropped.
const telemetryBuffer = 64

// TelemetryHub fans the per-cycle status out to websocket subscribers.
// It is a control.Sink: RecordCycle never blocks the control loop, and
// clients that cannot keep up are disconnected on write error. Run must
// be active before HandleWebSocket accepts connections.
type TelemetryHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *control.Status
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func NewTelemetryHub() *TelemetryHub {
	return &TelemetryHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *control.Status, telemetryBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// RecordCycle queues the status for broadcast. When the queue is full
// the cycle is dropped; the next one supersedes it anyway.
func (h *TelemetryHub) RecordCycle(status *control.Status) {
	if status == nil {
		return
	}
	select {
	case h.broadcast <- status:
	default:
	}
}

// Run owns the client set. It exits when ctx is cancelled, closing all
// connections.
func (h *TelemetryHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			return
		case conn := <-h.register:
			h.clients[conn] = true
			monitoring.Debugf("ws: client connected (%d active)", len(h.clients))
		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				monitoring.Debugf("ws: client disconnected (%d active)", len(h.clients))
			}
		case status := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteJSON(status); err != nil {
					monitoring.Debugf("ws: write failed, dropping client: %v", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
		}
	}
}

// HandleWebSocket upgrades the connection and subscribes it to the
// telemetry stream. Inbound messages are discarded; the read pump only
// notices disconnects.
func (h *TelemetryHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected websocket upgrade", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("ws: upgrade failed: %v", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					monitoring.Debugf("ws: read: %v", err)
				}
				return
			}
		}
	}()
}
