package proxy

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry tracks live sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
	log.Debug().Str("session", s.id).Msg("session registered")
}

// Unregister removes the session with id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		log.Debug().Str("session", id).Msg("session unregistered")
	}
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the live sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// KillAll ends every session. Sessions unregister themselves on exit.
func (r *Registry) KillAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Kill()
	}
}

// rateTracker counts new connections per source IP in one-second windows.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
	}
}

func (rt *rateTracker) allow(ip string, now time.Time) bool {
	if rt.maxPerSec <= 0 {
		return true
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b, ok := rt.counts[ip]
	if !ok || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}
	b.count++
	return b.count <= rt.maxPerSec
}

// prune drops windows that closed before now.
func (rt *rateTracker) prune(now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) >= time.Second {
			delete(rt.counts, ip)
		}
	}
}
