package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/victornm/livequiz/internal/domain"
)

// recoverTimeout bounds a shared recovery load, which outlives the caller that started it.
const recoverTimeout = 10 * time.Second

// Recoverer rebuilds a session that is missing from memory, typically from the durable store.
// It returns nil when there is nothing to recover.
type Recoverer interface {
	Recover(ctx context.Context, sessionID string) (*domain.Recovery, error)
}

// Registry owns every live session. Its lock only guards the map and is never held
// while a session is being processed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	group     singleflight.Group
	recoverer Recoverer
	clock     Clock
}

func NewRegistry(recoverer Recoverer, clock Clock) *Registry {
	if clock == nil {
		clock = systemClock{}
	}

	return &Registry{
		sessions:  make(map[string]*sessionState),
		recoverer: recoverer,
		clock:     clock,
	}
}

// Put stores s, replacing any previous instance for the same id.
func (r *Registry) Put(s *sessionState) {
	r.mu.Lock()
	old := r.sessions[s.id]
	r.sessions[s.id] = s
	r.mu.Unlock()

	retire(old)
}

func (r *Registry) Get(id string) (*sessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the live session, creating a default Lobby session when it is missing.
// The new session is seeded by the Recoverer, if any. Concurrent misses share one load.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*sessionState, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if s, ok := r.Get(id); ok {
			return s, nil
		}

		s := newSessionState(id, domain.DefaultTimeLimitSeconds, r.clock.Now())
		if r.recoverer != nil {
			// Callers waiting on the same load must not fail because the first one went away.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoverTimeout)
			defer cancel()

			rec, err := r.recoverer.Recover(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("recover session %s: %w", id, err)
			}
			if rec != nil {
				s.restore(rec)
			}
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		// Initialize may have won the race while we were loading.
		if existing, ok := r.sessions[id]; ok {
			return existing, nil
		}
		r.sessions[id] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*sessionState), nil
}

// Delete removes the session, reporting whether it was present.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	retire(s)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Range calls fn for every session present when Range was called, without holding the registry lock.
func (r *Registry) Range(fn func(s *sessionState) bool) {
	r.mu.RLock()
	all := make([]*sessionState, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		if !fn(s) {
			return
		}
	}
}

func retire(s *sessionState) {
	if s == nil {
		return
	}

	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}
