package libroutine

import (
	"context"
	"log"
	"sync"
	"time"
)

// Group manages a pool of keyed breakers with one managed loop per key.
// Starting a loop for an existing key is a no-op, so call sites can declare
// their loops idempotently at wiring time.
type Group struct {
	mu       sync.Mutex
	managers map[string]*Routine
	triggers map[string]chan struct{}
	active   map[string]bool
}

var (
	groupOnce     sync.Once
	groupInstance *Group
)

// GetGroup returns the process-wide loop group.
func GetGroup() *Group {
	groupOnce.Do(func() {
		groupInstance = &Group{
			managers: make(map[string]*Routine),
			triggers: make(map[string]chan struct{}),
			active:   make(map[string]bool),
		}
	})
	return groupInstance
}

// LoopConfig declares a managed loop. Threshold and ResetTimeout only take
// effect when the key's breaker is first created.
type LoopConfig struct {
	Key          string
	Threshold    int
	ResetTimeout time.Duration
	Interval     time.Duration
	Operation    func(ctx context.Context) error
}

// StartLoop registers and starts the loop for cfg.Key unless one is already
// running for that key.
func (g *Group) StartLoop(ctx context.Context, cfg *LoopConfig) {
	g.mu.Lock()
	if _, ok := g.managers[cfg.Key]; !ok {
		g.managers[cfg.Key] = NewRoutine(cfg.Threshold, cfg.ResetTimeout)
		g.triggers[cfg.Key] = make(chan struct{}, 1)
	}
	if g.active[cfg.Key] {
		g.mu.Unlock()
		return
	}
	g.active[cfg.Key] = true
	manager := g.managers[cfg.Key]
	trigger := g.triggers[cfg.Key]
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.active, cfg.Key)
			g.mu.Unlock()
		}()
		manager.Loop(ctx, cfg.Interval, trigger, cfg.Operation, func(err error) {
			log.Printf("libroutine: loop %q: %v", cfg.Key, err)
		})
	}()
}

// ForceUpdate triggers an immediate loop execution for key, if active.
func (g *Group) ForceUpdate(key string) {
	g.mu.Lock()
	trigger := g.triggers[key]
	g.mu.Unlock()
	if trigger == nil {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

// IsLoopActive reports whether a loop is currently running for key.
func (g *Group) IsLoopActive(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[key]
}

// GetManager exposes the breaker for key, or nil if the key is unknown.
func (g *Group) GetManager(key string) *Routine {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.managers[key]
}
