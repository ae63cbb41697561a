// Package libkvstore provides a small key-value abstraction over valkey with
// TTL support, counters, and list/set helpers. The rate limiter keeps its
// window buckets here so they expire server-side with the window.
package libkvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("libkvstore: not found")

// Config holds connection settings for the valkey backend.
type Config struct {
	KVAddr     string `json:"kv_addr"`
	KVPassword string `json:"kv_password"`
}

// KVExec is the operation surface handed to services.
type KVExec interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	SetWithTTL(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Increment atomically increments the integer stored at key and returns
	// the new value. A missing key counts from zero. When the increment
	// creates the key, ttl (if positive) is applied to it.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL reports the remaining lifetime of key, or zero when the key has no
	// expiry, or ErrNotFound when it does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	ListPush(ctx context.Context, key string, value json.RawMessage) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error)
	ListRPop(ctx context.Context, key string) (json.RawMessage, error)
	ListLength(ctx context.Context, key string) (int64, error)

	SetAdd(ctx context.Context, key string, member json.RawMessage) error
	SetMembers(ctx context.Context, key string) ([]json.RawMessage, error)
}

// KVManager owns the client connection and hands out executors.
type KVManager interface {
	Executor(ctx context.Context) (KVExec, error)
	Close() error
}

type valkeyManager struct {
	client valkey.Client
}

// NewManager connects to valkey and verifies the connection with a ping
// bounded by connectTimeout.
func NewManager(cfg Config, connectTimeout time.Duration) (KVManager, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.KVAddr},
		Password:    cfg.KVPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("libkvstore: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("libkvstore: ping failed: %w", err)
	}

	return &valkeyManager{client: client}, nil
}

func (m *valkeyManager) Executor(ctx context.Context) (KVExec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &valkeyExec{client: m.client}, nil
}

func (m *valkeyManager) Close() error {
	m.client.Close()
	return nil
}

type valkeyExec struct {
	client valkey.Client
}

func (e *valkeyExec) Get(ctx context.Context, key string) (json.RawMessage, error) {
	res, err := e.client.Do(ctx, e.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("libkvstore: get failed: %w", err)
	}
	return json.RawMessage(res), nil
}

func (e *valkeyExec) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := e.client.Do(ctx, e.client.B().Set().Key(key).Value(string(value)).Build()).Error(); err != nil {
		return fmt.Errorf("libkvstore: set failed: %w", err)
	}
	return nil
}

func (e *valkeyExec) SetWithTTL(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := e.client.Do(ctx, e.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("libkvstore: set with ttl failed: %w", err)
	}
	return nil
}

func (e *valkeyExec) Delete(ctx context.Context, key string) error {
	if err := e.client.Do(ctx, e.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("libkvstore: delete failed: %w", err)
	}
	return nil
}

func (e *valkeyExec) Exists(ctx context.Context, key string) (bool, error) {
	n, err := e.client.Do(ctx, e.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("libkvstore: exists failed: %w", err)
	}
	return n > 0, nil
}

func (e *valkeyExec) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := e.client.Do(ctx, e.client.B().Keys().Pattern(pattern).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("libkvstore: keys failed: %w", err)
	}
	return keys, nil
}

func (e *valkeyExec) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := e.client.Do(ctx, e.client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("libkvstore: incr failed: %w", err)
	}
	if n == 1 && ttl > 0 {
		if err := e.client.Do(ctx, e.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()).Error(); err != nil {
			return n, fmt.Errorf("libkvstore: pexpire failed: %w", err)
		}
	}
	return n, nil
}

func (e *valkeyExec) TTL(ctx context.Context, key string) (time.Duration, error) {
	ms, err := e.client.Do(ctx, e.client.B().Pttl().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("libkvstore: pttl failed: %w", err)
	}
	switch ms {
	case -2:
		return 0, ErrNotFound
	case -1:
		return 0, nil
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func (e *valkeyExec) ListPush(ctx context.Context, key string, value json.RawMessage) error {
	if err := e.client.Do(ctx, e.client.B().Lpush().Key(key).Element(string(value)).Build()).Error(); err != nil {
		return fmt.Errorf("libkvstore: lpush failed: %w", err)
	}
	return nil
}

func (e *valkeyExec) ListRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	items, err := e.client.Do(ctx, e.client.B().Lrange().Key(key).Start(start).Stop(stop).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("libkvstore: lrange failed: %w", err)
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out, nil
}

func (e *valkeyExec) ListRPop(ctx context.Context, key string) (json.RawMessage, error) {
	res, err := e.client.Do(ctx, e.client.B().Rpop().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("libkvstore: rpop failed: %w", err)
	}
	return json.RawMessage(res), nil
}

func (e *valkeyExec) ListLength(ctx context.Context, key string) (int64, error) {
	n, err := e.client.Do(ctx, e.client.B().Llen().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("libkvstore: llen failed: %w", err)
	}
	return n, nil
}

func (e *valkeyExec) SetAdd(ctx context.Context, key string, member json.RawMessage) error {
	if err := e.client.Do(ctx, e.client.B().Sadd().Key(key).Member(string(member)).Build()).Error(); err != nil {
		return fmt.Errorf("libkvstore: sadd failed: %w", err)
	}
	return nil
}

func (e *valkeyExec) SetMembers(ctx context.Context, key string) ([]json.RawMessage, error) {
	members, err := e.client.Do(ctx, e.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("libkvstore: smembers failed: %w", err)
	}
	out := make([]json.RawMessage, len(members))
	for i, m := range members {
		out[i] = json.RawMessage(m)
	}
	return out, nil
}
