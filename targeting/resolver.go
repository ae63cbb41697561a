package targeting

import (
	"context"
	"fmt"
	"sort"

	"github.com/chatwire/chatwire/instancestore"
)

// ConfigStore is the read accessor the resolver needs. It is satisfied by
// the instance service; tests inject a fixture-backed implementation.
type ConfigStore interface {
	GetAll(ctx context.Context) ([]*instancestore.Instance, error)
	Get(ctx context.Context, id string) (*instancestore.Instance, error)
}

// Resolver picks the instance for a page context from the configured set.
type Resolver struct {
	configs ConfigStore
}

func NewResolver(configs ConfigStore) *Resolver {
	return &Resolver{configs: configs}
}

// ResolveTargeted returns the best targeted match for the context, or nil
// when no instance targets it. Only enabled instances with targeting turned
// on and at least one rule participate; an instance matches when any of its
// rules does. Matches sort by priority descending, declaration order breaks
// ties.
func (r *Resolver) ResolveTargeted(ctx context.Context, pageCtx PageContext) (*instancestore.Instance, error) {
	instances, err := r.configs.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}
	return SelectTargeted(pageCtx, instances), nil
}

// ResolveWithDefault is the page-level variant: it tries a targeted match
// first, then the configured default instance, then the first enabled
// instance. Returns nil only when nothing is enabled at all.
func (r *Resolver) ResolveWithDefault(ctx context.Context, pageCtx PageContext) (*instancestore.Instance, error) {
	instances, err := r.configs.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}
	if match := SelectTargeted(pageCtx, instances); match != nil {
		return match, nil
	}
	var firstEnabled *instancestore.Instance
	for _, instance := range instances {
		if !instance.Enabled {
			continue
		}
		if instance.IsDefault {
			return instance, nil
		}
		if firstEnabled == nil {
			firstEnabled = instance
		}
	}
	return firstEnabled, nil
}

// SelectTargeted is the pure selection step over an already-loaded set.
// The input order is the declaration order used for tie-breaking.
func SelectTargeted(pageCtx PageContext, instances []*instancestore.Instance) *instancestore.Instance {
	matching := make([]*instancestore.Instance, 0, len(instances))
	for _, instance := range instances {
		if !instance.Enabled || !instance.TargetingEnabled || len(instance.Rules) == 0 {
			continue
		}
		for _, rule := range instance.Rules {
			if Matches(rule, pageCtx) {
				matching = append(matching, instance)
				break
			}
		}
	}
	if len(matching) == 0 {
		return nil
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].Priority > matching[j].Priority
	})
	return matching[0]
}
