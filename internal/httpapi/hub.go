package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/livinlefevreloca/tillsync/internal/inbox"
	"github.com/livinlefevreloca/tillsync/internal/syncer"
)

const writeTimeout = 5 * time.Second

// MessageType tags stream messages.
type MessageType string

const (
	MessageTypeStatus  MessageType = "status"
	MessageTypeSession MessageType = "session"
)

// Message is one websocket frame on /api/sync/stream.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusSource supplies the snapshot sent to new clients.
type StatusSource interface {
	GetStatus(ctx context.Context) (syncer.SyncStatus, error)
}

// Hub fans completed sessions out to websocket clients. It implements
// syncer.Publisher; publishing never blocks the coordinator for longer than
// the inbox send timeout.
type Hub struct {
	queue   *inbox.Inbox[syncer.SyncSession]
	origins []string
	logger  *slog.Logger

	statusMu sync.RWMutex
	status   StatusSource

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ syncer.Publisher = (*Hub)(nil)

// NewHub creates a hub. status may be nil.
func NewHub(status StatusSource, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stream")

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		queue:   inbox.New[syncer.SyncSession](64, 100*time.Millisecond, logger),
		status:  status,
		origins: originPatterns(allowedOrigins),
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetStatusSource replaces the snapshot source for new clients.
func (h *Hub) SetStatusSource(status StatusSource) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	h.status = status
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop closes every client and waits for the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()
	h.queue.Close()

	h.clientsMu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]struct{})
	h.clientsMu.Unlock()

	for conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	h.wg.Wait()
}

// Publish queues a completed session for broadcast.
func (h *Hub) Publish(session syncer.SyncSession) {
	h.queue.Send(h.ctx, session)
}

// ClientCount returns the number of connected stream clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Stats exposes the publish queue counters.
func (h *Hub) Stats() inbox.Stats {
	return h.queue.GetStats()
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		session, ok := h.queue.Receive(h.ctx)
		if !ok {
			return
		}

		data, err := encodeMessage(MessageTypeSession, session)
		if err != nil {
			h.logger.Error("failed to encode session", "error", err)
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("dropping stream client", "error", err)
			h.removeClient(conn)
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.statusMu.RLock()
	source := h.status
	h.statusMu.RUnlock()

	if source != nil {
		if status, err := source.GetStatus(r.Context()); err == nil {
			if data, err := encodeMessage(MessageTypeStatus, status); err == nil {
				ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
				err = conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					_ = conn.Close(websocket.StatusInternalError, "initial write failed")
					return
				}
			}
		} else {
			h.logger.Warn("failed to load status for new stream client", "error", err)
		}
	}

	h.clientsMu.Lock()
	if h.ctx.Err() != nil {
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.wg.Add(1)
	h.clientsMu.Unlock()
	h.logger.Debug("stream client connected", "clients", count)

	go h.readLoop(conn)
}

// readLoop drains client frames so close handshakes are processed.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, exists := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("stream client disconnected", "clients", count)
	}
}

// originPatterns turns allowed origins such as "http://localhost:3000" into
// the host patterns websocket.Accept matches against. Entries without a
// scheme are taken as host patterns already.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

func encodeMessage(kind MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: kind, Timestamp: time.Now().UTC(), Data: data})
}
