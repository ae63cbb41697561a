// Package chatservice drives one message exchange end to end: admission,
// session resolution, context assembly, the streamed webhook call, and
// finalization. Failures leave the pipeline only in classified form.
package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatwire/chatwire/faults"
	"github.com/chatwire/chatwire/instancestore"
	"github.com/chatwire/chatwire/libbus"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/promptctx"
	"github.com/chatwire/chatwire/ratelimitservice"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/chatwire/chatwire/streamclient"
	"github.com/chatwire/chatwire/targeting"
	"github.com/chatwire/chatwire/transcriptservice"
	"github.com/chatwire/chatwire/transcriptstore"
)

// MaxMessageLength bounds one user message. Oversized input is rejected
// locally before any network call.
const MaxMessageLength = 4000

// Event types emitted over the exchange channel.
const (
	EventSessionStarted = "session_started"
	EventMessageSent    = "message_sent"
	EventPartial        = "partial"
	EventCompleted      = "completed"
	EventError          = "error"
)

// Event is one lifecycle notification of an exchange. Text carries the
// full accumulated assistant output for partial and completed events.
type Event struct {
	Type        string                  `json:"type" example:"partial"`
	SessionUUID string                  `json:"sessionUuid,omitempty"`
	Text        string                  `json:"text,omitempty"`
	ToolCalls   []streamclient.ToolCall `json:"toolCalls,omitempty"`
	Fault       *faults.Fault           `json:"fault,omitempty"`
}

// SendRequest is one inbound visitor message.
type SendRequest struct {
	InstanceID  string
	SessionUUID string
	VisitorID   string
	Message     string
	PageContext promptctx.RequestContext
}

type Service interface {
	// SendMessage runs the exchange and streams lifecycle events until
	// completion, error, or ctx cancellation. Admission failures
	// (validation, rate limit, configuration) are returned directly as a
	// classified *faults.Fault before any network call.
	SendMessage(ctx context.Context, req SendRequest) (<-chan Event, error)
}

type service struct {
	configs   targeting.ConfigStore
	sessions  sessionservice.Service
	limiter   ratelimitservice.Service
	streamer  *streamclient.Client
	messenger libbus.Messenger
}

func New(
	configs targeting.ConfigStore,
	sessions sessionservice.Service,
	limiter ratelimitservice.Service,
	streamer *streamclient.Client,
	messenger libbus.Messenger,
) Service {
	return &service{
		configs:   configs,
		sessions:  sessions,
		limiter:   limiter,
		streamer:  streamer,
		messenger: messenger,
	}
}

func (s *service) SendMessage(ctx context.Context, req SendRequest) (<-chan Event, error) {
	if err := validateMessage(req.Message); err != nil {
		return nil, faults.NewExchange(false).Classify(err)
	}

	decision, err := s.limiter.Check(ctx, ratelimitservice.OpMessageSend, req.VisitorID)
	if err != nil {
		return nil, faults.NewExchange(false).Classify(err)
	}
	if !decision.Allowed {
		// the rejected attempt is deliberately not recorded: a burst of
		// rejections must not extend the window
		return nil, faults.RateLimited(decision.RetryAfter)
	}

	instance, err := s.configs.Get(ctx, req.InstanceID)
	if err != nil {
		if errors.Is(err, libdb.ErrNotFound) {
			return nil, faults.NewExchange(false).Classify(
				fmt.Errorf("%w: unknown instance %q", faults.ErrValidation, req.InstanceID))
		}
		return nil, faults.NewExchange(false).Classify(err)
	}
	if !instance.Enabled {
		return nil, faults.NewExchange(false).Classify(
			fmt.Errorf("%w: instance %q is disabled", faults.ErrValidation, req.InstanceID))
	}
	if instance.WebhookURL == "" {
		return nil, faults.NewExchange(instance.Fallback.Mode != instancestore.FallbackNone && instance.Fallback.Mode != "").
			Classify(streamclient.ErrMissingWebhook)
	}

	if err := s.limiter.Record(ctx, ratelimitservice.OpMessageSend, req.VisitorID); err != nil {
		return nil, faults.NewExchange(false).Classify(err)
	}

	session, err := s.sessions.GetOrCreate(ctx, req.InstanceID, req.VisitorID, req.SessionUUID)
	if err != nil {
		return nil, faults.NewExchange(false).Classify(err)
	}

	flatContext := promptctx.BuildContext(instance, req.PageContext)
	if prompt := promptctx.RenderSystemPrompt(instance, req.PageContext); prompt != "" {
		flatContext["system_prompt"] = prompt
	}

	events := make(chan Event)
	go s.runExchange(ctx, events, instance, session.UUID, session.UUID != req.SessionUUID, req, flatContext)
	return events, nil
}

func (s *service) runExchange(
	ctx context.Context,
	events chan<- Event,
	instance *instancestore.Instance,
	sessionUUID string,
	sessionIsNew bool,
	req SendRequest,
	flatContext map[string]string,
) {
	defer close(events)

	emit := func(event Event) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if sessionIsNew {
		if !emit(Event{Type: EventSessionStarted, SessionUUID: sessionUUID}) {
			return
		}
	}
	if !emit(Event{Type: EventMessageSent, SessionUUID: sessionUUID}) {
		return
	}

	fallbackEnabled := instance.Fallback.Mode != "" && instance.Fallback.Mode != instancestore.FallbackNone
	exchange := faults.NewExchange(fallbackEnabled)

	var final streamclient.PartialResult
	for attempt := 0; ; attempt++ {
		result, emitted, fault := s.streamOnce(ctx, instance, sessionUUID, req, flatContext, exchange, emit)
		if ctx.Err() != nil {
			return
		}
		if fault != nil {
			// a retryable failure with no output yet is retried once,
			// silently; anything else surfaces
			if fault.Recovery == faults.RecoveryRetry && !emitted && attempt == 0 {
				continue
			}
			emit(Event{Type: EventError, SessionUUID: sessionUUID, Fault: fault})
			return
		}
		if !result.Final {
			// cancelled or drained without error
			return
		}
		final = result
		break
	}

	s.finalize(ctx, sessionUUID, req.Message, final)
	emit(Event{
		Type:        EventCompleted,
		SessionUUID: sessionUUID,
		Text:        final.Text,
		ToolCalls:   final.ToolCalls,
	})
}

// streamOnce runs one webhook attempt and forwards its partials. The
// returned result has Final set only on clean completion.
func (s *service) streamOnce(
	ctx context.Context,
	instance *instancestore.Instance,
	sessionUUID string,
	req SendRequest,
	flatContext map[string]string,
	exchange *faults.Exchange,
	emit func(Event) bool,
) (streamclient.PartialResult, bool, *faults.Fault) {
	stream, err := s.streamer.Send(ctx, streamclient.Request{
		WebhookURL: instance.WebhookURL,
		SessionID:  sessionUUID,
		Message:    req.Message,
		Context:    flatContext,
	})
	if err != nil {
		return streamclient.PartialResult{}, false, exchange.Classify(err)
	}

	var last streamclient.PartialResult
	emitted := false
	for result := range stream.Results {
		last = result
		emitted = true
		if !emit(Event{
			Type:        EventPartial,
			SessionUUID: sessionUUID,
			Text:        result.Text,
			ToolCalls:   result.ToolCalls,
		}) {
			stream.Cancel()
			return streamclient.PartialResult{}, emitted, nil
		}
	}
	if err := stream.Err(); err != nil {
		return streamclient.PartialResult{}, emitted, exchange.Classify(err)
	}
	last.Final = true
	return last, emitted, nil
}

// finalize touches the session and announces both turns on the bus for the
// transcript sink. Persistence failures never fail the exchange.
func (s *service) finalize(ctx context.Context, sessionUUID, userMessage string, result streamclient.PartialResult) {
	_ = s.sessions.Touch(ctx, sessionUUID)

	if s.messenger == nil {
		return
	}
	now := time.Now().UTC()
	s.publishFinalized(ctx, transcriptservice.FinalizedMessage{
		SessionUUID: sessionUUID,
		Role:        transcriptstore.RoleUser,
		Parts:       []transcriptstore.Part{{Type: transcriptstore.PartText, Text: userMessage}},
		CreatedAt:   now,
	})
	assistant := transcriptservice.FinalizedMessage{
		SessionUUID: sessionUUID,
		Role:        transcriptstore.RoleAssistant,
		Parts:       []transcriptstore.Part{{Type: transcriptstore.PartText, Text: result.Text}},
		CreatedAt:   now.Add(time.Millisecond),
	}
	if len(result.ToolCalls) > 0 {
		if raw, err := json.Marshal(result.ToolCalls); err == nil {
			assistant.ToolCalls = raw
		}
	}
	s.publishFinalized(ctx, assistant)
}

func (s *service) publishFinalized(ctx context.Context, event transcriptservice.FinalizedMessage) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = s.messenger.Publish(ctx, transcriptservice.SubjectMessageFinalized, data)
}

func validateMessage(message string) error {
	if message == "" {
		return fmt.Errorf("%w: message must not be empty", faults.ErrValidation)
	}
	if len(message) > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters", faults.ErrValidation, MaxMessageLength)
	}
	return nil
}
