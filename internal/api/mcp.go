package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/user/termbridge/internal/db"
	"github.com/user/termbridge/internal/pty"
)

const (
	defaultWaitTimeout = 5 * time.Second
	maxWaitTimeout     = 300 * time.Second
)

type runRequest struct {
	Command string `json:"command"`
}

type sendKeysRequest struct {
	Keys string `json:"keys"`
	Key  string `json:"key"`
}

type waitRequest struct {
	TimeoutSeconds *float64 `json:"timeout_seconds"`
}

type waitResponse struct {
	Status string `json:"status"`
	Stable bool   `json:"stable"`
	ID     string `json:"id,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	state := pty.StateNotStarted
	if h.term != nil {
		state = h.term.Info().State
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"terminal_ready": state == pty.StateRunning,
		"state":          state.String(),
	})
}

func (h *handler) ready(w http.ResponseWriter) bool {
	if h.term == nil {
		jsonError(w, http.StatusServiceUnavailable, "terminal not initialized")
		return false
	}
	return true
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !h.ready(w) {
		return
	}

	id := h.journal(r.Context(), db.OpRun, req.Command)
	err := h.term.Write(req.Command + "\n")
	h.complete(r.Context(), id, outcome(err), err)
	if err != nil {
		writeTerminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "command sent", "id": id})
}

func (h *handler) sendKeys(w http.ResponseWriter, r *http.Request) {
	var req sendKeysRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Keys == "" && req.Key == "" {
		jsonError(w, http.StatusBadRequest, "keys or key is required")
		return
	}
	if req.Keys != "" && req.Key != "" {
		jsonError(w, http.StatusBadRequest, "only one of keys or key may be set")
		return
	}
	if !h.ready(w) {
		return
	}

	var err error
	var id string
	if req.Key != "" {
		id = h.journal(r.Context(), db.OpSendKeys, req.Key)
		err = h.term.SendKey(req.Key)
	} else {
		id = h.journal(r.Context(), db.OpSendKeys, req.Keys)
		err = h.term.Write(req.Keys)
	}
	h.complete(r.Context(), id, outcome(err), err)
	if err != nil {
		writeTerminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "keys sent", "id": id})
}

func (h *handler) waitForStableOutput(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	timeout := h.waitDefault
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			jsonError(w, http.StatusBadRequest, "timeout_seconds must be positive")
			return
		}
		seconds := min(*req.TimeoutSeconds, maxWaitTimeout.Seconds())
		timeout = time.Duration(seconds * float64(time.Second))
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	if !h.ready(w) {
		return
	}

	id := h.journal(r.Context(), db.OpWait, timeout.String())
	err := h.term.WaitForStable(r.Context(), timeout)
	switch {
	case err == nil:
		h.complete(r.Context(), id, db.StatusStable, nil)
		jsonResponse(w, http.StatusOK, waitResponse{Status: "output is stable", Stable: true, ID: id})
	case errors.Is(err, pty.ErrTimeout):
		h.complete(r.Context(), id, db.StatusTimeout, nil)
		jsonResponse(w, http.StatusRequestTimeout, waitResponse{Status: "timeout", Stable: false, ID: id})
	default:
		h.complete(r.Context(), id, db.StatusFailed, err)
		writeTerminalError(w, err)
	}
}
