package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/termbridge/internal/pty"
)

type errorBody struct {
	Error string `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

func mapTerminalError(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	switch {
	case errors.Is(err, pty.ErrNotRunning), errors.Is(err, pty.ErrStopped):
		return http.StatusServiceUnavailable, "terminal not running"
	case errors.Is(err, pty.ErrInvalidSize):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, pty.ErrTimeout):
		return http.StatusRequestTimeout, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeTerminalError(w http.ResponseWriter, err error) {
	status, msg := mapTerminalError(err)
	jsonError(w, status, msg)
}
