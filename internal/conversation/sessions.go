package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session pairs a state with a one-slot semaphore. A token in the
// channel means the session is free.
type session struct {
	state    *State
	sem      chan struct{}
	lastUsed time.Time
}

func newSession(id string) *session {
	s := &session{state: NewState(id), sem: make(chan struct{}, 1)}
	s.sem <- struct{}{}
	return s
}

// Sessions maps conversation ids to their state and guarantees that at
// most one turn runs per conversation at a time. Different
// conversations proceed independently.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	idleTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessions creates a session table. Sessions idle for longer than
// idleTTL are dropped by Evict; zero keeps them forever.
func NewSessions(idleTTL time.Duration, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		sessions: make(map[string]*session),
		idleTTL:  idleTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// NewID returns a fresh conversation id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Acquire waits for exclusive use of the conversation named id,
// creating it if needed. An empty id starts a new conversation. The
// caller must call release exactly once when the turn is done.
func (s *Sessions) Acquire(ctx context.Context, id string) (state *State, release func(), err error) {
	if id == "" {
		id = NewID()
	}

	var sess *session
	for {
		s.mu.Lock()
		sess = s.sessions[id]
		if sess == nil {
			sess = newSession(id)
			s.sessions[id] = sess
		}
		s.mu.Unlock()

		select {
		case <-sess.sem:
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("wait for conversation %s: %w", id, ctx.Err())
		}

		s.mu.Lock()
		current := s.sessions[id] == sess
		s.mu.Unlock()
		if current {
			break
		}
		// Evicted while we waited; start over with a fresh session.
		sess.sem <- struct{}{}
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			sess.lastUsed = s.now()
			s.mu.Unlock()
			sess.sem <- struct{}{}
		})
	}
	return sess.state, release, nil
}

// Len returns the number of live conversations.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Evict drops conversations idle longer than the TTL. Sessions with a
// turn in flight are never dropped. It returns the number removed.
func (s *Sessions) Evict() int {
	if s.idleTTL <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastUsed.IsZero() || sess.lastUsed.After(cutoff) {
			continue
		}
		select {
		case <-sess.sem:
			delete(s.sessions, id)
			sess.sem <- struct{}{}
			removed++
		default:
		}
	}
	if removed > 0 {
		s.logger.Debug("evicted idle conversations", "count", removed, "remaining", len(s.sessions))
	}
	return removed
}

// RunEviction calls Evict every interval until ctx is cancelled.
func (s *Sessions) RunEviction(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict()
		}
	}
}
