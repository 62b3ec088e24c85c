package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command operations recorded in the journal.
const (
	OpRun      = "run"
	OpSendKeys = "send_keys"
	OpWait     = "wait_for_stable_output"
	OpResize   = "resize"
)

// Command statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusStable  = "stable"
	StatusTimeout = "timeout"
	StatusFailed  = "failed"
)

type Command struct {
	ID          string        `json:"id"`
	Op          string        `json:"op"`
	Payload     string        `json:"payload"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

func NewID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func formatTimestampOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return formatTimestamp(ts)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func parseOptionalTimestamp(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(raw)
}
