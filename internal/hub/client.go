package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/user/termbridge/internal/pty"
)

const (
	readLimit    = 32768
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Client is one browser connection. It implements pty.Viewer: Send only
// queues, and a full queue means the peer is too slow and is dropped.
// The network write happens on the client's own writePump.
type Client struct {
	id       string
	viewerID pty.ViewerID
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	batch    *batcher

	mu        sync.Mutex
	gone      bool
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, h *Hub) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.clientBuffer),
		done: make(chan struct{}),
	}
	if h.batchInterval > 0 {
		c.batch = newBatcher(h.batchInterval, func(text string, ts int64) error {
			return c.enqueueJSON(OutputMessage{Type: TypeOutput, Text: text, Ts: ts})
		})
	}
	return c
}

// Send implements pty.Viewer.
func (c *Client) Send(ev pty.Event) error {
	switch ev.Type {
	case pty.EventOutput:
		if c.batch != nil {
			return c.batch.Add(ev.Data, ev.At.UnixMilli())
		}
		return c.enqueueJSON(OutputMessage{Type: TypeOutput, Text: ev.Data, Ts: ev.At.UnixMilli()})
	case pty.EventClosed:
		if c.batch != nil {
			if err := c.batch.Flush(); err != nil {
				return err
			}
		}
		return c.enqueueJSON(OutputMessage{Type: TypeClosed, Text: ev.Data, Ts: ev.At.UnixMilli()})
	default:
		return nil
	}
}

func (c *Client) enqueueJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gone {
		return pty.ErrViewerGone
	}
	select {
	case c.send <- data:
		return nil
	default:
		slog.Warn("client send buffer full, dropping client", "client", c.id)
		c.markGoneLocked()
		return pty.ErrViewerGone
	}
}

func (c *Client) sendError(message string) {
	_ = c.enqueueJSON(ErrorMessage{Type: TypeError, Message: message})
}

func (c *Client) markGoneLocked() {
	c.gone = true
	c.closeOnce.Do(func() { close(c.done) })
}

// shutdown stops delivery and makes both pumps exit.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.markGoneLocked()
	c.mu.Unlock()
	if c.batch != nil {
		c.batch.Stop()
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				slog.Debug("client read ended", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	msg, ok := parseClientMessage(data)
	if !ok {
		c.hub.input(c, string(data))
		return
	}

	switch msg.Type {
	case TypeInput:
		if msg.Keys != "" {
			c.hub.input(c, msg.Keys)
		}
	case TypeKey:
		if msg.Key != "" {
			c.hub.input(c, pty.KeySequence(msg.Key))
		}
	case TypeResize:
		c.hub.resize(c, msg.Cols, msg.Rows)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// parseClientMessage recognizes control frames. Anything else, including
// JSON typed at the shell prompt without a "type", is raw input.
func parseClientMessage(data []byte) (ClientMessage, bool) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return ClientMessage{}, false
	}
	var msg ClientMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil || msg.Type == "" {
		return ClientMessage{}, false
	}
	return msg, true
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.drain(ctx)
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.shutdown()
				return
			}
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// drain flushes what was queued before the client was marked gone, so a
// closed notice still reaches a healthy peer.
func (c *Client) drain(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, msg)
}
