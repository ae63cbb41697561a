package libkvstore

import (
	"context"
	"encoding/json"
	"path"
	"strconv"
	"sync"
	"time"
)

// InMemManager is a process-local KVManager for single-process deployments
// and tests. TTLs are enforced lazily on access.
type InMemManager struct {
	mu      sync.Mutex
	entries map[string]*inmemEntry
	lists   map[string][]json.RawMessage
	sets    map[string]map[string]struct{}
}

type inmemEntry struct {
	value     json.RawMessage
	expiresAt time.Time // zero means no expiry
}

// NewInMemManager returns an empty in-memory manager.
func NewInMemManager() *InMemManager {
	return &InMemManager{
		entries: make(map[string]*inmemEntry),
		lists:   make(map[string][]json.RawMessage),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (m *InMemManager) Executor(ctx context.Context) (KVExec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return (*inmemExec)(m), nil
}

func (m *InMemManager) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]*inmemEntry)
	m.lists = make(map[string][]json.RawMessage)
	m.sets = make(map[string]map[string]struct{})
	m.mu.Unlock()
	return nil
}

type inmemExec InMemManager

// live returns the entry for key if present and unexpired, pruning it
// otherwise. Caller must hold mu.
func (e *inmemExec) live(key string) *inmemEntry {
	entry, ok := e.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(e.entries, key)
		return nil
	}
	return entry
}

func (e *inmemExec) Get(_ context.Context, key string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.live(key)
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (e *inmemExec) Set(_ context.Context, key string, value json.RawMessage) error {
	e.mu.Lock()
	e.entries[key] = &inmemEntry{value: value}
	e.mu.Unlock()
	return nil
}

func (e *inmemExec) SetWithTTL(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	e.mu.Lock()
	e.entries[key] = &inmemEntry{value: value, expiresAt: time.Now().Add(ttl)}
	e.mu.Unlock()
	return nil
}

func (e *inmemExec) Delete(_ context.Context, key string) error {
	e.mu.Lock()
	delete(e.entries, key)
	e.mu.Unlock()
	return nil
}

func (e *inmemExec) Exists(_ context.Context, key string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live(key) != nil, nil
}

func (e *inmemExec) Keys(_ context.Context, pattern string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var keys []string
	for k := range e.entries {
		if e.live(k) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (e *inmemExec) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int64
	if entry := e.live(key); entry != nil {
		n, _ = strconv.ParseInt(string(entry.value), 10, 64)
		n++
		entry.value = json.RawMessage(strconv.FormatInt(n, 10))
		return n, nil
	}
	n = 1
	entry := &inmemEntry{value: json.RawMessage("1")}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	e.entries[key] = entry
	return n, nil
}

func (e *inmemExec) TTL(_ context.Context, key string) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.live(key)
	if entry == nil {
		return 0, ErrNotFound
	}
	if entry.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(entry.expiresAt), nil
}

func (e *inmemExec) ListPush(_ context.Context, key string, value json.RawMessage) error {
	e.mu.Lock()
	e.lists[key] = append([]json.RawMessage{value}, e.lists[key]...)
	e.mu.Unlock()
	return nil
}

func (e *inmemExec) ListRange(_ context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, stop-start+1)
	out = append(out, list[start:stop+1]...)
	return out, nil
}

func (e *inmemExec) ListRPop(_ context.Context, key string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.lists[key]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	last := list[len(list)-1]
	e.lists[key] = list[:len(list)-1]
	return last, nil
}

func (e *inmemExec) ListLength(_ context.Context, key string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.lists[key])), nil
}

func (e *inmemExec) SetAdd(_ context.Context, key string, member json.RawMessage) error {
	e.mu.Lock()
	if e.sets[key] == nil {
		e.sets[key] = make(map[string]struct{})
	}
	e.sets[key][string(member)] = struct{}{}
	e.mu.Unlock()
	return nil
}

func (e *inmemExec) SetMembers(_ context.Context, key string) ([]json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []json.RawMessage
	for m := range e.sets[key] {
		out = append(out, json.RawMessage(m))
	}
	return out, nil
}

var _ KVManager = (*InMemManager)(nil)
var _ KVExec = (*inmemExec)(nil)
