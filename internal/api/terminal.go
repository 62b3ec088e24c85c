package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/termbridge/internal/db"
	"github.com/user/termbridge/internal/parser"
	"github.com/user/termbridge/internal/pty"
)

const maxOutputLines = 2000

type terminalResponse struct {
	State      string    `json:"state"`
	Pid        int       `json:"pid"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	Viewers    int       `json:"viewers"`
	Exited     bool      `json:"exited"`
	StartedAt  time.Time `json:"started_at"`
	LastOutput time.Time `json:"last_output"`
	Stats      pty.Stats `json:"stats"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type outputResponse struct {
	Text  string `json:"text"`
	Plain bool   `json:"plain"`
}

func (h *handler) getTerminal(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	info := h.term.Info()
	jsonResponse(w, http.StatusOK, terminalResponse{
		State:      info.State.String(),
		Pid:        info.Pid,
		Cols:       info.Size.Cols,
		Rows:       info.Size.Rows,
		Viewers:    info.Viewers,
		Exited:     info.Exited,
		StartedAt:  info.StartedAt,
		LastOutput: info.LastOutput,
		Stats:      h.term.Stats(),
	})
}

func (h *handler) resizeTerminal(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !(pty.Size{Cols: req.Cols, Rows: req.Rows}).Valid() {
		jsonError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if !h.ready(w) {
		return
	}

	id := h.journal(r.Context(), db.OpResize, fmt.Sprintf("%dx%d", req.Cols, req.Rows))
	err := h.term.Resize(req.Cols, req.Rows)
	h.complete(r.Context(), id, outcome(err), err)
	if err != nil {
		writeTerminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int{"cols": req.Cols, "rows": req.Rows})
}

func (h *handler) getTerminalOutput(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid lines query parameter")
			return
		}
		lines = min(n, maxOutputLines)
	}
	plain, _ := strconv.ParseBool(r.URL.Query().Get("plain"))

	text := ""
	if h.history != nil {
		text = h.history.String()
	}
	if plain {
		text = parser.StripANSI(text)
	}
	if lines > 0 {
		all := parser.Lines(text)
		if len(all) > lines {
			all = all[len(all)-lines:]
		}
		text = strings.Join(all, "\n")
	}
	jsonResponse(w, http.StatusOK, outputResponse{Text: text, Plain: plain})
}

func (h *handler) listCommands(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit query parameter")
			return
		}
		limit = n
	}
	if h.commandRepo == nil {
		jsonResponse(w, http.StatusOK, []*db.Command{})
		return
	}
	commands, err := h.commandRepo.List(r.Context(), limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, commands)
}
