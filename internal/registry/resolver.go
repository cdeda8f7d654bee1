package registry

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rentguntur/project-school/internal/logger"
)

// Resolver caches registry lookups for the life of the process. Entries
// stay until invalidated; concurrent misses for the same id share a single
// registry call.
type Resolver struct {
	registry        Registry
	defaultMaxSteps int

	mu    sync.RWMutex
	cache map[string]AgentDefinition
	gen   uint64
	group singleflight.Group
}

func NewResolver(r Registry, defaultMaxSteps int) *Resolver {
	return &Resolver{registry: r, defaultMaxSteps: defaultMaxSteps, cache: make(map[string]AgentDefinition)}
}

// Resolve returns the normalized definition of agentID.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (AgentDefinition, error) {
	r.mu.RLock()
	def, ok := r.cache[agentID]
	gen := r.gen
	r.mu.RUnlock()
	if ok {
		return cloneDef(def), nil
	}

	// the shared lookup outlives any one caller; each caller still stops
	// waiting when its own ctx ends
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(agentID, func() (any, error) {
		d, err := r.registry.Lookup(lookupCtx, agentID)
		if err != nil {
			return AgentDefinition{}, err
		}
		d = d.Normalize(r.defaultMaxSteps)
		r.mu.Lock()
		// an invalidation that raced this lookup wins
		if r.gen == gen {
			r.cache[agentID] = d
		}
		r.mu.Unlock()
		return d, nil
	})
	select {
	case <-ctx.Done():
		return AgentDefinition{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AgentDefinition{}, res.Err
		}
		return cloneDef(res.Val.(AgentDefinition)), nil
	}
}

// Invalidate drops the cached definitions of the given ids, or all of them
// when none are given.
func (r *Resolver) Invalidate(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if len(ids) == 0 {
		r.cache = make(map[string]AgentDefinition)
		return
	}
	for _, id := range ids {
		delete(r.cache, id)
	}
}

// Watch applies invalidations received on ch until ctx is done or ch is
// closed. An empty id invalidates everything.
func (r *Resolver) Watch(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			if id == "" {
				r.Invalidate()
			} else {
				r.Invalidate(id)
			}
			logger.L.Debug("agent cache invalidated", "agent", id)
		}
	}
}

func cloneDef(d AgentDefinition) AgentDefinition {
	d.Steps = append([]StepKind(nil), d.Steps...)
	d.Tools = append([]string(nil), d.Tools...)
	d.Modes = slices.Clone(d.Modes)
	for i := range d.Modes {
		d.Modes[i].Triggers = slices.Clone(d.Modes[i].Triggers)
		d.Modes[i].Tools = slices.Clone(d.Modes[i].Tools)
	}
	return d
}
