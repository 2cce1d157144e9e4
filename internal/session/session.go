package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"margin/api/internal/highlight"
)

// Session is the highlight state of one connection. All access to the manager
// goes through Do or Apply, which serialize on the session lock.
type Session struct {
	ID string

	mu      sync.Mutex
	manager *highlight.Manager
	seq     uint64
	closed  bool

	// holds is guarded by the registry lock.
	holds int

	lastUpdate atomic.Int64
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// Ticket orders an update against later ones from the same session.
type Ticket struct {
	seq uint64
	ctx context.Context
}

// Context is cancelled when the session is removed.
func (t Ticket) Context() context.Context {
	return t.ctx
}

func newSession(id string, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:      id,
		manager: highlight.NewManager(nil),
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastUpdate.Store(s.now().UnixNano())
}

// LastUpdateAt is the time of the last activity on the session.
func (s *Session) LastUpdateAt() time.Time {
	return time.Unix(0, s.lastUpdate.Load())
}

// Context is cancelled when the session is removed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Begin issues a ticket for an update received now. Any ticket issued earlier
// becomes stale.
func (s *Session) Begin() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.touch()
	return Ticket{seq: s.seq, ctx: s.ctx}
}

// Apply runs fn against the manager if t is still the newest ticket and the
// session is open.
func (s *Session) Apply(t Ticket, fn func(*highlight.Manager)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if t.seq != s.seq {
		return ErrStale
	}
	fn(s.manager)
	s.touch()
	return nil
}

// Do runs fn against the manager under the session lock.
func (s *Session) Do(fn func(*highlight.Manager) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.touch()
	return fn(s.manager)
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}
