// Package faults maps low-level failures onto the closed error taxonomy
// the widget acts on. Every classified fault carries a recovery policy and
// a safe user-facing message; raw error text never reaches the visitor.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/chatwire/chatwire/libauth"
	"github.com/chatwire/chatwire/ratelimitservice"
	"github.com/chatwire/chatwire/streamclient"
)

// Categories.
const (
	CategoryConnection     = "connection"
	CategoryAuthentication = "authentication"
	CategoryValidation     = "validation"
	CategoryFile           = "file"
	CategoryConfiguration  = "configuration"
	CategoryRateLimit      = "rate_limit"
	CategorySession        = "session"
	CategoryInternal       = "internal"
	CategoryExternal       = "external"
)

// Recovery policies.
const (
	RecoveryRetry      = "retry"
	RecoveryFallback   = "fallback"
	RecoveryWait       = "wait"
	RecoveryRefresh    = "refresh"
	RecoveryLogin      = "login"
	RecoveryNewSession = "new_session"
	RecoveryNone       = "none"
)

// Marker sentinels for failures that originate above the transport layer.
// Callers wrap these so classification stays a pure errors.Is walk.
var (
	ErrValidation     = errors.New("request validation failed")
	ErrFileConstraint = errors.New("file constraint violated")
	ErrSessionInvalid = errors.New("session is not usable")
)

// Fault is one classified failure.
type Fault struct {
	Code        string        `json:"code" example:"backend_unreachable"`
	Category    string        `json:"category" example:"connection"`
	Recovery    string        `json:"recovery" example:"retry"`
	UserMessage string        `json:"userMessage" example:"We could not reach the assistant. Please try again."`
	RetryAfter  time.Duration `json:"retryAfter,omitempty"`

	cause error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s (%s/%s): %v", f.Code, f.Category, f.Recovery, f.cause)
	}
	return fmt.Sprintf("%s (%s/%s)", f.Code, f.Category, f.Recovery)
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// RateLimited builds the wait fault for a rejected request, carrying the
// remaining window so the caller can surface a countdown.
func RateLimited(retryAfter time.Duration) *Fault {
	return &Fault{
		Code:        "rate_limited",
		Category:    CategoryRateLimit,
		Recovery:    RecoveryWait,
		UserMessage: "You are sending messages too quickly. Please wait a moment.",
		RetryAfter:  retryAfter,
		cause:       ratelimitservice.ErrRateLimited,
	}
}

// Exchange classifies the failures of one message exchange. It is stateful
// only for the malformed-frame rule: the first malformed payload asks for a
// retry, a recurrence within the same exchange escalates past retrying.
type Exchange struct {
	fallbackEnabled  bool
	malformedRetried bool
}

// NewExchange creates a classifier for one exchange. fallbackEnabled
// reflects whether the instance defines a fallback policy.
func NewExchange(fallbackEnabled bool) *Exchange {
	return &Exchange{fallbackEnabled: fallbackEnabled}
}

// Classify maps err onto the taxonomy. Returns nil for nil input.
func (e *Exchange) Classify(err error) *Fault {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrValidation):
		return &Fault{
			Code:        "invalid_message",
			Category:    CategoryValidation,
			Recovery:    RecoveryNone,
			UserMessage: "Your message could not be sent. Please check it and try again.",
			cause:       err,
		}

	case errors.Is(err, ErrFileConstraint):
		return &Fault{
			Code:        "file_rejected",
			Category:    CategoryFile,
			Recovery:    RecoveryNone,
			UserMessage: "This file cannot be uploaded.",
			cause:       err,
		}

	case errors.Is(err, ratelimitservice.ErrRateLimited):
		fault := RateLimited(0)
		fault.cause = err
		return fault

	case errors.Is(err, streamclient.ErrMissingWebhook):
		return &Fault{
			Code:        "instance_misconfigured",
			Category:    CategoryConfiguration,
			Recovery:    RecoveryNone,
			UserMessage: "Chat is not available right now. Please contact the site administrator.",
			cause:       err,
		}

	case errors.Is(err, libauth.ErrTokenExpired):
		return &Fault{
			Code:        "credentials_expired",
			Category:    CategoryAuthentication,
			Recovery:    RecoveryRefresh,
			UserMessage: "Your chat session credentials expired. Reloading the page will fix this.",
			cause:       err,
		}

	case errors.Is(err, libauth.ErrNotAuthorized),
		errors.Is(err, libauth.ErrTokenMissing),
		errors.Is(err, libauth.ErrTokenParsingFailed),
		errors.Is(err, libauth.ErrInvalidTokenClaims):
		return &Fault{
			Code:        "not_authorized",
			Category:    CategoryAuthentication,
			Recovery:    RecoveryLogin,
			UserMessage: "You are not allowed to use this chat. Please sign in.",
			cause:       err,
		}

	case errors.Is(err, ErrSessionInvalid):
		return &Fault{
			Code:        "stale_session",
			Category:    CategorySession,
			Recovery:    RecoveryNewSession,
			UserMessage: "Starting a fresh conversation.",
			cause:       err,
		}

	case errors.Is(err, streamclient.ErrMalformedFrame):
		return e.classifyMalformed(err)

	case isConnectionFailure(err):
		return &Fault{
			Code:        "backend_unreachable",
			Category:    CategoryConnection,
			Recovery:    RecoveryRetry,
			UserMessage: "We could not reach the assistant. Please try again.",
			cause:       err,
		}
	}

	var statusErr *streamclient.StatusError
	if errors.As(err, &statusErr) {
		return e.classifyStatus(statusErr)
	}

	return &Fault{
		Code:        "internal_error",
		Category:    CategoryInternal,
		Recovery:    RecoveryRetry,
		UserMessage: "Something went wrong on our side. Please try again.",
		cause:       err,
	}
}

func (e *Exchange) classifyMalformed(err error) *Fault {
	if !e.malformedRetried {
		e.malformedRetried = true
		return &Fault{
			Code:        "backend_garbled",
			Category:    CategoryExternal,
			Recovery:    RecoveryRetry,
			UserMessage: "The assistant's answer was interrupted. Please try again.",
			cause:       err,
		}
	}
	recovery := RecoveryNone
	if e.fallbackEnabled {
		recovery = RecoveryFallback
	}
	return &Fault{
		Code:        "backend_garbled",
		Category:    CategoryExternal,
		Recovery:    recovery,
		UserMessage: "The assistant is having trouble answering right now.",
		cause:       err,
	}
}

func (e *Exchange) classifyStatus(statusErr *streamclient.StatusError) *Fault {
	if statusErr.Code >= 500 {
		return &Fault{
			Code:        "backend_failed",
			Category:    CategoryExternal,
			Recovery:    RecoveryRetry,
			UserMessage: "The assistant is temporarily unavailable. Please try again.",
			cause:       statusErr,
		}
	}
	recovery := RecoveryNone
	if e.fallbackEnabled {
		recovery = RecoveryFallback
	}
	return &Fault{
		Code:        "backend_rejected",
		Category:    CategoryExternal,
		Recovery:    recovery,
		UserMessage: "The assistant could not process this message.",
		cause:       statusErr,
	}
}

// isConnectionFailure covers transport-level problems: dial errors, DNS
// failures, resets, and the no-byte watchdog, which must behave exactly
// like a network failure.
func isConnectionFailure(err error) bool {
	if errors.Is(err, streamclient.ErrStreamTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
