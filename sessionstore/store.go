// Package sessionstore persists chat sessions. A session correlates one
// visitor's turns with one instance; it stays active until an idle timeout
// or an explicit close, then lingers closed for a retention window.
package sessionstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/google/uuid"
)

// Session statuses.
const (
	StatusActive   = "active"
	StatusClosed   = "closed"
	StatusArchived = "archived"
)

// Session is one visitor/instance conversation binding. InstanceID never
// changes after creation.
type Session struct {
	UUID           string     `json:"uuid" example:"3f2b1a0c-9d8e-7f6a-5b4c-3d2e1f0a9b8c"`
	InstanceID     string     `json:"instanceId" example:"f0a9c1d2-3b4e-5f6a-7b8c-9d0e1f2a3b4c"`
	VisitorID      string     `json:"visitorId" example:"guest-7c1f"`
	Status         string     `json:"status" example:"active"`
	StartedAt      time.Time  `json:"startedAt" example:"2023-11-15T14:30:45Z"`
	LastActivityAt time.Time  `json:"lastActivityAt" example:"2023-11-15T14:42:03Z"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

// Store is the data access interface for sessions.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, sessionUUID string) (*Session, error)
	// Touch bumps last_activity_at on an active session.
	Touch(ctx context.Context, sessionUUID string) error
	// Close transitions an active session to closed.
	Close(ctx context.Context, sessionUUID string) error
	// CloseIdle closes active sessions whose last activity predates the
	// cutoff and returns how many it closed.
	CloseIdle(ctx context.Context, idleBefore time.Time) (int64, error)
	// DeleteClosedBefore purges closed sessions older than the cutoff,
	// cascading to their transcript rows.
	DeleteClosedBefore(ctx context.Context, closedBefore time.Time) (int64, error)
	ListByVisitor(ctx context.Context, instanceID, visitorID string) ([]*Session, error)
}

//go:embed schema.sql
var Schema string

//go:embed schema_sqlite.sql
var SchemaSQLite string

type store struct {
	Exec libdb.Exec
}

// New creates a new session store.
func New(exec libdb.Exec) Store {
	if exec == nil {
		panic("SERVER BUG: sessionstore.New called with nil exec")
	}
	return &store{Exec: exec}
}

func (s *store) Create(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.UUID == "" {
		session.UUID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = StatusActive
	}
	session.StartedAt = now
	session.LastActivityAt = now

	_, err := s.Exec.ExecContext(ctx, `
		INSERT INTO chat_sessions (uuid, instance_id, visitor_id, status, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		session.UUID,
		session.InstanceID,
		session.VisitorID,
		session.Status,
		session.StartedAt,
		session.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, sessionUUID string) (*Session, error) {
	var session Session
	var closedAt sql.NullTime
	err := s.Exec.QueryRowContext(ctx, `
		SELECT uuid, instance_id, visitor_id, status, started_at, last_activity_at, closed_at
		FROM chat_sessions
		WHERE uuid = $1`, sessionUUID).Scan(
		&session.UUID,
		&session.InstanceID,
		&session.VisitorID,
		&session.Status,
		&session.StartedAt,
		&session.LastActivityAt,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, libdb.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	return &session, nil
}

func (s *store) Touch(ctx context.Context, sessionUUID string) error {
	result, err := s.Exec.ExecContext(ctx, `
		UPDATE chat_sessions
		SET last_activity_at = $2
		WHERE uuid = $1 AND status = $3`,
		sessionUUID,
		time.Now().UTC(),
		StatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *store) Close(ctx context.Context, sessionUUID string) error {
	now := time.Now().UTC()
	result, err := s.Exec.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = $2, closed_at = $3
		WHERE uuid = $1 AND status = $4`,
		sessionUUID,
		StatusClosed,
		now,
		StatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *store) CloseIdle(ctx context.Context, idleBefore time.Time) (int64, error) {
	result, err := s.Exec.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = $1, closed_at = $2
		WHERE status = $3 AND last_activity_at < $4`,
		StatusClosed,
		time.Now().UTC(),
		StatusActive,
		idleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close idle sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *store) DeleteClosedBefore(ctx context.Context, closedBefore time.Time) (int64, error) {
	result, err := s.Exec.ExecContext(ctx, `
		DELETE FROM chat_sessions
		WHERE status = $1 AND closed_at < $2`,
		StatusClosed,
		closedBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge closed sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *store) ListByVisitor(ctx context.Context, instanceID, visitorID string) ([]*Session, error) {
	rows, err := s.Exec.QueryContext(ctx, `
		SELECT uuid, instance_id, visitor_id, status, started_at, last_activity_at, closed_at
		FROM chat_sessions
		WHERE instance_id = $1 AND visitor_id = $2
		ORDER BY started_at DESC`,
		instanceID,
		visitorID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		var session Session
		var closedAt sql.NullTime
		if err := rows.Scan(
			&session.UUID,
			&session.InstanceID,
			&session.VisitorID,
			&session.Status,
			&session.StartedAt,
			&session.LastActivityAt,
			&closedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if closedAt.Valid {
			t := closedAt.Time
			session.ClosedAt = &t
		}
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return sessions, nil
}

func checkRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return libdb.ErrNotFound
	}
	return nil
}
