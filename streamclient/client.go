// Package streamclient talks to an instance's backend webhook. One Send
// issues the message request and consumes the response either as a framed
// event stream or as a single JSON document, whichever the backend chose.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrMalformedFrame = errors.New("streamclient: malformed stream frame")
	ErrStreamTimeout  = errors.New("streamclient: no data received within timeout")
	ErrMissingWebhook = errors.New("streamclient: webhook url is not configured")
)

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("streamclient: backend returned status %d", e.Code)
}

// ToolCall is a tool invocation descriptor carried inside a stream frame.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PartialResult is one emission of an in-flight exchange. Text always
// carries the full accumulated output so far, not the delta; consumers
// render the whole string each tick and never observe it shrink.
type PartialResult struct {
	Text      string
	ToolCalls []ToolCall
	Final     bool
	SessionID string
}

// Request is one outbound message exchange.
type Request struct {
	WebhookURL string
	SessionID  string
	Message    string
	Context    map[string]string
}

// Stream is the consumer handle for one exchange. Read Results until it
// closes, then check Err. Cancel is idempotent and safe after completion;
// a cancelled stream closes without an error.
type Stream struct {
	Results <-chan PartialResult

	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *Stream) Cancel() {
	s.cancel()
}

// Err reports the terminal failure of the exchange. Valid once Results is
// closed; nil on normal completion and on cancellation.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// DefaultIdleTimeout is the no-byte watchdog window. A backend that stays
// silent this long is treated as a connection failure.
const DefaultIdleTimeout = 30 * time.Second

type Client struct {
	httpClient  *http.Client
	idleTimeout time.Duration
}

func New(idleTimeout time.Duration) *Client {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Client{
		httpClient:  &http.Client{},
		idleTimeout: idleTimeout,
	}
}

type webhookPayload struct {
	Action    string            `json:"action"`
	SessionID string            `json:"sessionId"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context"`
}

type framePayload struct {
	Text      *string    `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type documentPayload struct {
	Output    string `json:"output"`
	SessionID string `json:"sessionId"`
}

// Send posts the message to the webhook and returns a Stream of partial
// results. The returned error covers request construction and connection
// failures; everything after the response headers arrives via the Stream.
func (c *Client) Send(ctx context.Context, req Request) (*Stream, error) {
	if req.WebhookURL == "" {
		return nil, ErrMissingWebhook
	}

	body, err := json.Marshal(webhookPayload{
		Action:    "sendMessage",
		SessionID: req.SessionID,
		Message:   req.Message,
		Context:   req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	sendCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(sendCtx, http.MethodPost, req.WebhookURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		defer cancel()
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(limited)}
	}

	ch := make(chan PartialResult)
	stream := &Stream{Results: ch, cancel: cancel}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		go c.consumeStream(sendCtx, cancel, resp, ch, stream)
	} else {
		go c.consumeDocument(sendCtx, cancel, resp, ch, stream)
	}
	return stream, nil
}

// consumeDocument handles the non-streamed path: one JSON document, one
// terminal emission.
func (c *Client) consumeDocument(ctx context.Context, cancel context.CancelFunc, resp *http.Response, ch chan<- PartialResult, stream *Stream) {
	defer cancel()
	defer close(ch)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == nil {
			stream.setErr(fmt.Errorf("failed to read webhook response: %w", err))
		}
		return
	}

	var doc documentPayload
	if err := json.Unmarshal(body, &doc); err != nil {
		stream.setErr(fmt.Errorf("%w: %w", ErrMalformedFrame, err))
		return
	}

	select {
	case ch <- PartialResult{Text: doc.Output, Final: true, SessionID: doc.SessionID}:
	case <-ctx.Done():
	}
}

// consumeStream handles the framed path. A watchdog cancels the request
// when no bytes arrive within the idle timeout; frame decoding carries
// partial lines across reads, and accumulated text only ever grows.
func (c *Client) consumeStream(ctx context.Context, cancel context.CancelFunc, resp *http.Response, ch chan<- PartialResult, stream *Stream) {
	defer cancel()
	defer close(ch)
	defer resp.Body.Close()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.idleTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	decoder := &frameDecoder{}
	accumulated := ""
	buf := make([]byte, 4096)

	emit := func(frames []frame) (finished bool) {
		for _, f := range frames {
			if f.done {
				return true
			}
			delta, toolCalls, err := parseFramePayload(f.payload)
			if err != nil {
				stream.setErr(err)
				return true
			}
			if delta == "" && len(toolCalls) == 0 {
				continue
			}
			accumulated += delta
			select {
			case ch <- PartialResult{Text: accumulated, ToolCalls: toolCalls}:
			case <-ctx.Done():
				return true
			}
		}
		return false
	}

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(c.idleTimeout)
			if emit(decoder.feed(buf[:n])) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// a missing sentinel still ends the stream cleanly
				emit(decoder.flush())
				return
			}
			if timedOut.Load() {
				stream.setErr(ErrStreamTimeout)
				return
			}
			if ctx.Err() != nil {
				// cancellation is not a failure
				return
			}
			stream.setErr(fmt.Errorf("failed to read stream: %w", err))
			return
		}
	}
}

// parseFramePayload decodes one frame body. Payloads that look like JSON
// but fail to parse are malformed; anything else is tolerated as a raw
// text delta so minimal backends work.
func parseFramePayload(payload string) (delta string, toolCalls []ToolCall, err error) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") {
		return payload, nil, nil
	}
	var decoded framePayload
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if decoded.Text != nil {
		delta = *decoded.Text
	}
	return delta, decoded.ToolCalls, nil
}
