package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/user/termbridge/internal/db"
	"github.com/user/termbridge/internal/pty"
)

type terminal interface {
	Write(text string) error
	SendKey(name string) error
	Resize(cols, rows int) error
	WaitForStable(ctx context.Context, timeout time.Duration) error
	Info() pty.Info
	Stats() pty.Stats
}

type outputSource interface {
	String() string
}

type handler struct {
	term        terminal
	history     outputSource
	commandRepo *db.CommandRepo
	waitDefault time.Duration
}

// NewRouter builds the HTTP control surface. conn may be nil, in which case
// commands are not journaled.
func NewRouter(term terminal, history outputSource, conn *sql.DB, token string, waitDefault time.Duration) http.Handler {
	if waitDefault <= 0 {
		waitDefault = defaultWaitTimeout
	}
	handler := &handler{
		term:        term,
		history:     history,
		waitDefault: waitDefault,
	}
	if conn != nil {
		handler.commandRepo = db.NewCommandRepo(conn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/run", handler.run)
	mux.HandleFunc("POST /mcp/send_keys", handler.sendKeys)
	mux.HandleFunc("POST /mcp/wait_for_stable_output", handler.waitForStableOutput)

	mux.HandleFunc("GET /api/terminal", handler.getTerminal)
	mux.HandleFunc("POST /api/terminal/resize", handler.resizeTerminal)
	mux.HandleFunc("GET /api/terminal/output", handler.getTerminalOutput)
	mux.HandleFunc("GET /api/commands", handler.listCommands)

	root := http.NewServeMux()
	root.Handle("GET /health", jsonMiddleware(corsMiddleware(http.HandlerFunc(handler.health))))
	root.Handle("/", authMiddleware(token)(jsonMiddleware(corsMiddleware(mux))))
	return root
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Method == http.MethodOptions || authorized(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// authorized reports whether r carries token as a bearer header or a
// token query parameter.
func authorized(r *http.Request, token string) bool {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if strings.TrimSpace(authHeader[7:]) == token {
			return true
		}
	}
	return r.URL.Query().Get("token") == token
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeJSON decodes a single JSON object. An empty body yields io.EOF.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// journal records op and returns its id, or "" when journaling is off or
// fails. Journal failures never fail the request.
func (h *handler) journal(ctx context.Context, op, payload string) string {
	if h.commandRepo == nil {
		return ""
	}
	cmd := &db.Command{Op: op, Payload: payload}
	if err := h.commandRepo.Create(ctx, cmd); err != nil {
		slog.Warn("failed to journal command", "op", op, "error", err)
		return ""
	}
	return cmd.ID
}

func (h *handler) complete(ctx context.Context, id, status string, err error) {
	if h.commandRepo == nil || id == "" {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	// The outcome is still recorded when the request was cancelled.
	if cerr := h.commandRepo.Complete(context.WithoutCancel(ctx), id, status, msg); cerr != nil {
		slog.Warn("failed to complete journal entry", "id", id, "error", cerr)
	}
}

func outcome(err error) string {
	if err != nil {
		return db.StatusFailed
	}
	return db.StatusSent
}
