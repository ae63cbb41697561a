// Package transcriptstore persists finished chat messages. Rows are
// append-only: a message is written once the backend finishes producing it
// and never mutated afterwards.
package transcriptstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	libdb "github.com/chatwire/chatwire/libdbexec"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Part types.
const (
	PartText  = "text"
	PartImage = "image"
	PartFile  = "file"
)

// Part is one ordered content element of a message.
type Part struct {
	Type   string `json:"type" example:"text"`
	Text   string `json:"text,omitempty" example:"Hello!"`
	URL    string `json:"url,omitempty"`
	FileID string `json:"fileId,omitempty"`
}

// Message is one finished transcript entry.
type Message struct {
	ID          string          `json:"id" example:"9e3a6c0d3b5e7f8a1b2c3d4e5f6a7b8c9d0e1f2a"`
	SessionUUID string          `json:"sessionUuid" example:"3f2b1a0c-9d8e-7f6a-5b4c-3d2e1f0a9b8c"`
	Role        string          `json:"role" example:"assistant"`
	Parts       []Part          `json:"parts"`
	ToolCalls   json.RawMessage `json:"toolCalls,omitempty"`
	ToolResults json.RawMessage `json:"toolResults,omitempty"`
	CreatedAt   time.Time       `json:"createdAt" example:"2023-11-15T14:30:45Z"`
}

// Store is the data access interface for transcripts.
type Store interface {
	// Append writes messages in one batch. Re-delivery of an already
	// stored message id is a no-op, so bus redeliveries stay harmless.
	Append(ctx context.Context, messages ...*Message) error
	List(ctx context.Context, sessionUUID string) ([]*Message, error)
	Count(ctx context.Context, sessionUUID string) (int64, error)
	DeleteForSession(ctx context.Context, sessionUUID string) error
}

//go:embed schema.sql
var Schema string

//go:embed schema_sqlite.sql
var SchemaSQLite string

type store struct {
	Exec libdb.Exec
}

// New creates a new transcript store.
func New(exec libdb.Exec) Store {
	if exec == nil {
		panic("SERVER BUG: transcriptstore.New called with nil exec")
	}
	return &store{Exec: exec}
}

func (s *store) Append(ctx context.Context, messages ...*Message) error {
	if len(messages) == 0 {
		return nil
	}

	now := time.Now().UTC()
	valueStrings := make([]string, 0, len(messages))
	valueArgs := make([]any, 0, len(messages)*7)

	for i, msg := range messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		partsJSON, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("failed to marshal message parts: %w", err)
		}
		base := i * 7
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		valueArgs = append(valueArgs,
			msg.ID,
			msg.SessionUUID,
			msg.Role,
			partsJSON,
			nullableJSON(msg.ToolCalls),
			nullableJSON(msg.ToolResults),
			msg.CreatedAt,
		)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO chat_messages (id, session_uuid, role, parts, tool_calls, tool_results, created_at)
		VALUES %s
		ON CONFLICT (id) DO NOTHING`,
		strings.Join(valueStrings, ","),
	)

	if _, err := s.Exec.ExecContext(ctx, stmt, valueArgs...); err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	return nil
}

func (s *store) List(ctx context.Context, sessionUUID string) ([]*Message, error) {
	rows, err := s.Exec.QueryContext(ctx, `
		SELECT id, session_uuid, role, parts, tool_calls, tool_results, created_at
		FROM chat_messages
		WHERE session_uuid = $1
		ORDER BY created_at ASC, id ASC`,
		sessionUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var partsJSON []byte
		var toolCalls, toolResults sql.Null[[]byte]
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionUUID,
			&msg.Role,
			&partsJSON,
			&toolCalls,
			&toolResults,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(partsJSON, &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message parts: %w", err)
		}
		if toolCalls.Valid {
			msg.ToolCalls = json.RawMessage(toolCalls.V)
		}
		if toolResults.Valid {
			msg.ToolResults = json.RawMessage(toolResults.V)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return messages, nil
}

func (s *store) Count(ctx context.Context, sessionUUID string) (int64, error) {
	var count int64
	err := s.Exec.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE session_uuid = $1`, sessionUUID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *store) DeleteForSession(ctx context.Context, sessionUUID string) error {
	if _, err := s.Exec.ExecContext(ctx, `
		DELETE FROM chat_messages
		WHERE session_uuid = $1`, sessionUUID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
