package pty

import (
	"fmt"
	"math"
	"time"
)

// EventType distinguishes the kind of event broadcast by a Session.
type EventType int

const (
	// EventOutput carries a decoded chunk of terminal output.
	EventOutput EventType = iota
	// EventClosed indicates that the child process has gone away.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventOutput:
		return "output"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a single unit of broadcast. It is never retained by the Session.
type Event struct {
	Type EventType
	Data string
	At   time.Time
}

// Viewer is anything that can accept broadcast events. Send must not block
// for long; a non-nil error means the peer is gone and the viewer is evicted.
type Viewer interface {
	Send(ev Event) error
}

// ViewerID identifies an attached viewer. IDs are assigned in increasing
// order and never reused within a process run.
type ViewerID uint64

func (id ViewerID) String() string {
	return fmt.Sprintf("viewer-%d", uint64(id))
}

// Size is a terminal size in character cells.
type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// DefaultSize is applied when no size is configured.
var DefaultSize = Size{Cols: 80, Rows: 24}

// Valid reports whether both dimensions are positive and fit the winsize ioctl.
func (s Size) Valid() bool {
	return s.Cols >= 1 && s.Rows >= 1 && s.Cols <= math.MaxUint16 && s.Rows <= math.MaxUint16
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Info is a read-only snapshot of session metadata.
type Info struct {
	State      State     `json:"-"`
	Pid        int       `json:"pid"`
	Size       Size      `json:"size"`
	Viewers    int       `json:"viewers"`
	StartedAt  time.Time `json:"started_at"`
	LastOutput time.Time `json:"last_output"`
	Exited     bool      `json:"exited"`
}
