// Package transcriptservice is the durable-history collaborator. The chat
// pipeline announces finished messages on the bus; the sink consumes them
// and appends to the transcript store. Message ids are derived from the
// content, so the same finalization delivered twice stores one row.
package transcriptservice

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatwire/chatwire/libbus"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/transcriptstore"
)

// SubjectMessageFinalized is the bus subject for finished messages.
const SubjectMessageFinalized = "chatwire.transcript.finalized"

// FinalizedMessage is the bus payload published once per completed
// exchange turn, never per partial chunk.
type FinalizedMessage struct {
	SessionUUID string                 `json:"sessionUuid"`
	Role        string                 `json:"role"`
	Parts       []transcriptstore.Part `json:"parts"`
	ToolCalls   json.RawMessage        `json:"toolCalls,omitempty"`
	ToolResults json.RawMessage        `json:"toolResults,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

type Service interface {
	// OnMessageFinalized appends one finished message to the transcript.
	OnMessageFinalized(ctx context.Context, event FinalizedMessage) error
	List(ctx context.Context, sessionUUID string) ([]*transcriptstore.Message, error)
	Count(ctx context.Context, sessionUUID string) (int64, error)
}

type service struct {
	dbInstance libdb.DBManager
}

func New(db libdb.DBManager) Service {
	return &service{dbInstance: db}
}

func (s *service) OnMessageFinalized(ctx context.Context, event FinalizedMessage) error {
	if event.SessionUUID == "" {
		return fmt.Errorf("finalized message is missing a session uuid")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	msg := &transcriptstore.Message{
		SessionUUID: event.SessionUUID,
		Role:        event.Role,
		Parts:       event.Parts,
		ToolCalls:   event.ToolCalls,
		ToolResults: event.ToolResults,
		CreatedAt:   event.CreatedAt,
	}
	msg.ID = generateMessageID(msg)

	tx := s.dbInstance.WithoutTransaction()
	return transcriptstore.New(tx).Append(ctx, msg)
}

func (s *service) List(ctx context.Context, sessionUUID string) ([]*transcriptstore.Message, error) {
	tx := s.dbInstance.WithoutTransaction()
	return transcriptstore.New(tx).List(ctx, sessionUUID)
}

func (s *service) Count(ctx context.Context, sessionUUID string) (int64, error) {
	tx := s.dbInstance.WithoutTransaction()
	return transcriptstore.New(tx).Count(ctx, sessionUUID)
}

// generateMessageID creates a deterministic ID from the message content.
func generateMessageID(msg *transcriptstore.Message) string {
	h := sha1.New()
	h.Write([]byte(msg.SessionUUID))
	h.Write([]byte(msg.Role))
	for _, part := range msg.Parts {
		h.Write([]byte(part.Type))
		h.Write([]byte(part.Text))
		h.Write([]byte(part.URL))
		h.Write([]byte(part.FileID))
	}
	h.Write(msg.ToolCalls)
	h.Write([]byte(msg.CreatedAt.Format(time.RFC3339)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Sink bridges the bus to the service.
type Sink struct {
	service   Service
	messenger libbus.Messenger
}

func NewSink(service Service, messenger libbus.Messenger) *Sink {
	return &Sink{service: service, messenger: messenger}
}

// Serve consumes finalized-message events until ctx is done. Undecodable
// payloads are skipped; store failures only drop the one event, the
// subscription stays up.
func (s *Sink) Serve(ctx context.Context) error {
	ch := make(chan []byte, 16)
	sub, err := s.messenger.Stream(ctx, SubjectMessageFinalized, ch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectMessageFinalized, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var event FinalizedMessage
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			if err := s.service.OnMessageFinalized(ctx, event); err != nil {
				continue
			}
		}
	}
}
