package bridge

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shusuke-O/realtime-mrs/errors"
)

// WebSocketHub is an optional fan-out sink: it serves a WebSocket endpoint
// and broadcasts every forwarded record to all connected clients as JSON.
// Browser dashboards use it instead of the raw TCP feed.
type WebSocketHub struct {
	listenAddr string
	logger     *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]*wsClient
	started bool
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// wsRecord is the JSON form broadcast to WebSocket clients.
type wsRecord struct {
	Timestamp float64 `json:"timestamp"`
	Value     string  `json:"value"`
	SentAt    int64   `json:"sent_at"` // unix milliseconds
}

// NewWebSocketHub creates a hub listening on addr (e.g. ":8765").
func NewWebSocketHub(addr string, logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		listenAddr: addr,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*wsClient),
	}
}

// Start begins serving the WebSocket endpoint.
func (h *WebSocketHub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	listener, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return errors.Wrap(err, "bridge", "WebSocketHub.Start", "listen on "+h.listenAddr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleConnection)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("websocket server error", "error", err)
		}
	}()

	h.started = true
	h.logger.Info("websocket sink listening", "addr", h.listenAddr)
	return nil
}

func (h *WebSocketHub) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[conn] = client
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr, "clients", count)

	// Drain control frames until the client goes away.
	go func() {
		defer h.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WebSocketHub) dropClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Broadcast sends the record to every connected client. Slow or broken
// clients are dropped; broadcasting never blocks the bridge loops for long.
func (h *WebSocketHub) Broadcast(rec Record) {
	data, err := json.Marshal(wsRecord{
		Timestamp: rec.Timestamp,
		Value:     rec.Value,
		SentAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.writeMu.Lock()
		_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.writeMu.Unlock()
		if err != nil {
			h.dropClient(client.conn)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop closes all client connections and shuts the server down.
func (h *WebSocketHub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*wsClient)
	server := h.server
	h.mu.Unlock()

	if server != nil {
		_ = server.Close()
	}
}
