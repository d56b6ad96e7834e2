package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry maps live connections to their sessions. Sessions share no mutable state.
type Registry struct {
	driver *Driver
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry backed by d.
func NewRegistry(d *Driver) *Registry {
	return &Registry{
		driver:   d,
		logger:   d.logger.With("component", "conversation.registry"),
		sessions: make(map[string]*Session),
	}
}

// Open creates and registers a session for a new connection.
func (r *Registry) Open(ctx context.Context, userID, clientSessionID string, emitter Emitter) *Session {
	s := newSession(ctx, r.driver, uuid.NewString(), userID, clientSessionID, emitter)

	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("session opened", "session_id", s.ID, "user_id", userID, "active_sessions", n)
	return s
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears down and forgets the session registered under id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every session and waits for their turn loops to exit or ctx to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("all sessions closed", "count", len(sessions))
	return nil
}
