package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termbridge/internal/pty"
)

const defaultClientBuffer = 256

// terminal is the part of pty.Session the hub drives.
type terminal interface {
	Attach(v pty.Viewer) (pty.ViewerID, error)
	Detach(id pty.ViewerID)
	Write(text string) error
	Resize(cols, rows int) error
}

// Options configures a Hub.
type Options struct {
	// Token, when set, must be passed as ?token= to open a socket.
	Token string
	// History replays recent output to new clients. May be nil.
	History *History
	// ClientBuffer is the per-client queue length in messages.
	ClientBuffer int
	// BatchInterval coalesces output per client when positive.
	BatchInterval time.Duration
}

// Hub serves the terminal over WebSocket. Every connected browser becomes
// a viewer of the session; frames from the browser become input or resize.
type Hub struct {
	term          terminal
	token         string
	history       *History
	clientBuffer  int
	batchInterval time.Duration

	mu      sync.RWMutex
	clients map[string]*Client
	ctx     context.Context
}

func New(term terminal, opts Options) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	return &Hub{
		term:          term,
		token:         opts.Token,
		history:       opts.History,
		clientBuffer:  opts.ClientBuffer,
		batchInterval: opts.BatchInterval,
		clients:       make(map[string]*Client),
		ctx:           context.Background(),
	}
}

// Run ties client lifetimes to ctx and disconnects everyone when it ends.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	<-ctx.Done()
	h.Close()
}

func (h *Hub) baseContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.URL.Query().Get("token") != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept error", "error", err)
		return
	}

	client := newClient(conn, h)

	if h.history != nil {
		if text := h.history.String(); text != "" {
			data, _ := json.Marshal(OutputMessage{Type: TypeHistory, Text: text})
			_ = client.enqueue(data)
		}
	}

	id, err := h.term.Attach(client)
	if err != nil {
		slog.Warn("terminal not accepting viewers", "error", err)
		conn.Close(websocket.StatusInternalError, "terminal not running")
		return
	}
	client.viewerID = id

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	ctx := h.baseContext()
	go client.writePump(ctx)
	go client.readPump(ctx)
	slog.Info("client connected", "client", client.id, "viewer", id.String(), "total", h.ClientCount())
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.term.Detach(c.viewerID)
	c.shutdown()
	if ok {
		slog.Info("client disconnected", "client", c.id, "total", h.ClientCount())
	}
}

func (h *Hub) input(c *Client, text string) {
	if err := h.term.Write(text); err != nil {
		slog.Warn("terminal write failed", "client", c.id, "error", err)
		c.sendError(writeErrorMessage(err))
	}
}

func (h *Hub) resize(c *Client, cols, rows int) {
	if cols <= 0 || rows <= 0 {
		c.sendError("invalid resize: cols and rows must be positive")
		return
	}
	if err := h.term.Resize(cols, rows); err != nil {
		slog.Warn("terminal resize failed", "client", c.id, "error", err)
		c.sendError(writeErrorMessage(err))
	}
}

func writeErrorMessage(err error) string {
	switch {
	case errors.Is(err, pty.ErrNotRunning):
		return "terminal not running"
	case errors.Is(err, pty.ErrInvalidSize):
		return "invalid terminal size"
	default:
		return err.Error()
	}
}

// ClientCount returns the number of connected browsers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client after flushing what they have queued.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		h.term.Detach(c.viewerID)
		c.shutdown()
	}
}
