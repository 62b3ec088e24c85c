package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CommandRepo journals control operations issued against the terminal.
type CommandRepo struct {
	db *sql.DB
}

func NewCommandRepo(db *sql.DB) *CommandRepo {
	return &CommandRepo{db: db}
}

func (r *CommandRepo) Create(ctx context.Context, cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is required")
	}
	if strings.TrimSpace(cmd.Op) == "" {
		return fmt.Errorf("command op is required")
	}
	if cmd.ID == "" {
		cmd.ID = NewID()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = nowUTC()
	}
	if strings.TrimSpace(cmd.Status) == "" {
		cmd.Status = StatusPending
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO commands (id, op, payload, status, error, created_at, completed_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		cmd.ID,
		cmd.Op,
		cmd.Payload,
		cmd.Status,
		cmd.Error,
		formatTimestamp(cmd.CreatedAt),
		formatTimestampOrEmpty(cmd.CompletedAt),
		cmd.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}
	return nil
}

// Complete records the outcome of a command. errMsg may be empty.
func (r *CommandRepo) Complete(ctx context.Context, id, status, errMsg string) error {
	cmd, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if cmd == nil {
		return fmt.Errorf("command %q not found", id)
	}
	completedAt := nowUTC()
	duration := completedAt.Sub(cmd.CreatedAt)
	if duration < 0 {
		duration = 0
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, error = ?, completed_at = ?, duration_ms = ?
WHERE id = ?
`, status, errMsg, formatTimestamp(completedAt), duration.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("failed to complete command %q: %w", id, err)
	}
	return nil
}

func (r *CommandRepo) Get(ctx context.Context, id string) (*Command, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, op, payload, status, error, created_at, completed_at, duration_ms
FROM commands
WHERE id = ?
`, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get command %q: %w", id, err)
	}
	return cmd, nil
}

// List returns the most recent commands first.
func (r *CommandRepo) List(ctx context.Context, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, op, payload, status, error, created_at, completed_at, duration_ms
FROM commands
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	out := make([]*Command, 0, limit)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating commands: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(s scanner) (*Command, error) {
	var cmd Command
	var createdAtRaw, completedAtRaw string
	var durationMs int64
	if err := s.Scan(
		&cmd.ID,
		&cmd.Op,
		&cmd.Payload,
		&cmd.Status,
		&cmd.Error,
		&createdAtRaw,
		&completedAtRaw,
		&durationMs,
	); err != nil {
		return nil, err
	}
	var parseErr error
	cmd.CreatedAt, parseErr = parseTimestamp(createdAtRaw)
	if parseErr != nil {
		return nil, parseErr
	}
	cmd.CompletedAt, parseErr = parseOptionalTimestamp(completedAtRaw)
	if parseErr != nil {
		return nil, parseErr
	}
	cmd.Duration = time.Duration(durationMs) * time.Millisecond
	return &cmd, nil
}
