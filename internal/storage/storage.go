package storage

import (
	"context"
	"errors"
	"time"
)

// SessionStatus represents the lifecycle state of a sandbox session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusTimedOut  SessionStatus = "timed_out"
)

// ErrNotFound is returned when no session matches an ID or prefix.
var ErrNotFound = errors.New("session not found")

// Session is the record of one sandbox run.
type Session struct {
	ID         string        `json:"id"`
	EntryClass string        `json:"entry_class"`
	Args       []string      `json:"args"`
	Status     SessionStatus `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Ready      bool          `json:"ready"`
	Error      string        `json:"error,omitempty"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Finished reports whether the session reached a terminal status.
func (s *Session) Finished() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// LogEvent is one guest log event forwarded during a session.
type LogEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Logger    string    `json:"logger"`
	Level     string    `json:"level"`
	Time      time.Time `json:"time"`
	Template  string    `json:"template"`
	Args      []any     `json:"args"`
	Message   string    `json:"message"`
}

// SessionListOptions controls filtering and pagination for ListSessions.
type SessionListOptions struct {
	Status SessionStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for sessions and their log events.
type Store interface {
	// CreateSession inserts a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID or ID prefix.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by updated_at descending.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error)

	// UpdateSession updates the outcome fields and updated_at.
	UpdateSession(ctx context.Context, s *Session) error

	// DeleteSession removes a session and its log events.
	DeleteSession(ctx context.Context, id string) error

	// AppendLogEvents stores events for a session in order.
	AppendLogEvents(ctx context.Context, sessionID string, events []LogEvent) error

	// LoadLogEvents returns a session's events in arrival order.
	LoadLogEvents(ctx context.Context, sessionID string) ([]LogEvent, error)

	// Close releases resources.
	Close() error
}
