// Package ratelimitservice guards the externally exposed operations with
// per (operation, client) counters. A bucket is one counter whose TTL is
// the window length, so expiry resets it implicitly.
package ratelimitservice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chatwire/chatwire/libkvstore"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Well-known operation types. Message sends are limited tighter than
// generic API traffic.
const (
	OpMessageSend = "message_send"
	OpBootstrap   = "bootstrap"
	OpAPI         = "api"
)

// Limit is the threshold for one operation type.
type Limit struct {
	MaxRequests int64         `json:"maxRequests" example:"20"`
	Window      time.Duration `json:"window" example:"60000000000"`
}

// DefaultLimits apply when the deployment does not override them.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		OpMessageSend: {MaxRequests: 20, Window: time.Minute},
		OpBootstrap:   {MaxRequests: 30, Window: time.Minute},
		OpAPI:         {MaxRequests: 120, Window: time.Minute},
	}
}

// Decision is the outcome of a Check call. RetryAfter carries the
// remaining window for rejected requests so callers can hint the wait.
type Decision struct {
	Allowed    bool          `json:"allowed" example:"false"`
	Remaining  int64         `json:"remaining" example:"0"`
	RetryAfter time.Duration `json:"retryAfter,omitempty" example:"42000000000"`
}

type Service interface {
	// Check is read-only and must run before Record for a given request.
	Check(ctx context.Context, operation, clientID string) (Decision, error)
	// Record counts an admitted request against its bucket.
	Record(ctx context.Context, operation, clientID string) error
}

type service struct {
	kv     libkvstore.KVExec
	limits map[string]Limit
}

// New creates a rate limiter over the given KV executor. Operations absent
// from limits fall back to the api limit.
func New(kv libkvstore.KVExec, limits map[string]Limit) Service {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	return &service{kv: kv, limits: limits}
}

func (s *service) limitFor(operation string) Limit {
	if limit, ok := s.limits[operation]; ok {
		return limit
	}
	if limit, ok := s.limits[OpAPI]; ok {
		return limit
	}
	return Limit{MaxRequests: 60, Window: time.Minute}
}

func bucketKey(operation, clientID string) string {
	return "ratelimit:" + operation + ":" + clientID
}

func (s *service) Check(ctx context.Context, operation, clientID string) (Decision, error) {
	limit := s.limitFor(operation)
	key := bucketKey(operation, clientID)

	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, libkvstore.ErrNotFound) {
			return Decision{Allowed: true, Remaining: limit.MaxRequests}, nil
		}
		return Decision{}, fmt.Errorf("failed to read rate limit bucket: %w", err)
	}

	count, err := strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
	if err != nil {
		// an unreadable bucket never locks a client out
		return Decision{Allowed: true, Remaining: limit.MaxRequests}, nil
	}

	if count < limit.MaxRequests {
		return Decision{Allowed: true, Remaining: limit.MaxRequests - count}, nil
	}

	retryAfter, err := s.kv.TTL(ctx, key)
	if err != nil || retryAfter < 0 {
		retryAfter = limit.Window
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
}

func (s *service) Record(ctx context.Context, operation, clientID string) error {
	limit := s.limitFor(operation)
	if _, err := s.kv.Increment(ctx, bucketKey(operation, clientID), limit.Window); err != nil {
		return fmt.Errorf("failed to record rate limit hit: %w", err)
	}
	return nil
}
