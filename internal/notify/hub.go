package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Guizzs26/curral-sync/pkg/metrics"

	"github.com/coder/websocket"
)

// Hub pushes notifications to the browser tabs connected on /ws
type Hub struct {
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]struct{}

	// last keeps the most recent notification per kind for clients that connect later
	lastMu sync.Mutex
	last   map[Kind]Notification

	broadcast chan Notification
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewHub(l *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:    l.With("component", "ws_hub"),
		clients:   make(map[*websocket.Conn]struct{}),
		last:      make(map[Kind]Notification),
		broadcast: make(chan Notification, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *Hub) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Dispose closes every client and stops the broadcast loop
func (h *Hub) Dispose() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "agente encerrando")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

func (h *Hub) Notify(_ context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	h.lastMu.Lock()
	h.last[n.Kind] = n
	h.lastMu.Unlock()

	select {
	case h.broadcast <- n:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("Broadcast channel full, dropping notification", "type", n.Kind)
		metrics.NotificationsPublished.WithLabelValues("websocket", "dropped").Inc()
	}
}

func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) loop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case n := <-h.broadcast:
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Error("Failed to marshal notification", "error", err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for c := range h.clients {
				conns = append(conns, c)
			}
			h.clientsMu.RUnlock()

			for _, c := range conns {
				if err := h.write(c, data); err != nil {
					h.logger.Debug("Client write failed, dropping", "error", err)
					h.remove(c)
				}
			}
			metrics.NotificationsPublished.WithLabelValues("websocket", "sent").Inc()
		}
	}
}

func (h *Hub) write(c *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request and replays the latest state to the new client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = struct{}{}
	total := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Debug("Client connected", "total", total)

	h.lastMu.Lock()
	snapshot := make([]Notification, 0, len(h.last))
	for _, k := range []Kind{KindConnectivity, KindPendingCount} {
		if n, ok := h.last[k]; ok {
			snapshot = append(snapshot, n)
		}
	}
	h.lastMu.Unlock()

	for _, n := range snapshot {
		data, _ := json.Marshal(n)
		if err := h.write(conn, data); err != nil {
			h.remove(conn)
			return
		}
	}

	go h.readLoop(conn)
}

// readLoop only exists to notice disconnects; clients never send anything meaningful
func (h *Hub) readLoop(c *websocket.Conn) {
	defer h.remove(c)
	for {
		if _, _, err := c.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *websocket.Conn) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.clientsMu.Unlock()
	if ok {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}
