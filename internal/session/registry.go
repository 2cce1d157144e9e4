// Package session keeps per-connection highlight state and reclaims idle sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStale is returned when a newer update was issued after the ticket.
	ErrStale = errors.New("session update superseded")
	// ErrClosed is returned once the session has been removed.
	ErrClosed = errors.New("session closed")
	// ErrNotFound is returned when no session exists for an id.
	ErrNotFound = errors.New("session not found")
)

type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry maps session ids to their state. There is exactly one Session per id
// until it is removed or swept.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewRegistry(ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the session for id, creating it on first access.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r.now)
		r.sessions[id] = s
		r.logger.Debug("session created", zap.String("session_id", id))
	}
	s.touch()
	return s
}

// Lookup returns the session for id without creating it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Hold returns the session for id, creating it if needed, and pins it against
// idle sweeps until a matching Release. Each live connection holds its session.
func (r *Registry) Hold(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r.now)
		r.sessions[id] = s
		r.logger.Debug("session created", zap.String("session_id", id))
	}
	s.holds++
	s.touch()
	return s
}

// Release drops one hold on s. The session is removed when the last hold goes,
// so a connection closing after another one took over the same id leaves the
// session alone. It reports whether s was removed.
func (r *Registry) Release(s *Session) bool {
	r.mu.Lock()
	if r.sessions[s.ID] != s {
		r.mu.Unlock()
		return false
	}
	if s.holds > 0 {
		s.holds--
	}
	if s.holds > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	s.close()
	r.logger.Debug("session released", zap.String("session_id", s.ID))
	return true
}

// Holds returns the number of live holds on the session for id.
func (r *Registry) Holds(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.holds
	}
	return 0
}

// Remove closes and forgets the session. In-flight work for it is cancelled and
// its results are discarded.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.close()
		r.logger.Debug("session removed", zap.String("session_id", id))
	}
	return ok
}

// SweepIdle removes sessions idle for longer than maxAge and returns how many
// were removed. Held sessions are never swept.
func (r *Registry) SweepIdle(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	var idle []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.holds == 0 && s.LastUpdateAt().Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.close()
	}
	if len(idle) > 0 {
		r.logger.Info("idle sessions swept", zap.Int("count", len(idle)), zap.Duration("max_age", maxAge))
	}
	return len(idle)
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle(r.ttl)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close removes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
