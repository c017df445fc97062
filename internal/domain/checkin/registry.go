package checkin

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry holds the live check-in sessions in memory. Idle sessions are
// expired by Sweep.
type Registry struct {
	cfg    Config
	deps   Deps
	ttl    time.Duration
	logger zerolog.Logger
	base   context.Context

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. Sessions it creates are bound to ctx.
func NewRegistry(ctx context.Context, cfg Config, deps Deps, ttl time.Duration) *Registry {
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		ttl:      ttl,
		logger:   deps.Logger,
		base:     ctx,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session for a patient. The catalog is loaded before the
// session is registered; a catalog failure is returned and nothing is kept.
func (r *Registry) Create(ctx context.Context, patientUUID string) (*Session, error) {
	s := NewSession(r.base, uuid.New().String(), r.cfg, r.deps)
	if err := s.LoadCatalog(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.SetPatient(patientUUID)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info().Str("session_id", s.ID).Str("patient_id", patientUUID).Msg("check-in session started")
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes and removes sessions idle for longer than the TTL.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if now.Sub(s.IdleSince()) > r.ttl {
			s.Close()
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("expired check-in sessions")
	}
	return removed
}

// Run sweeps periodically until ctx is done, then closes every session.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.drain(r.closeAll(), shutdownNotifyWait)
			return
		case <-ticker.C:
			r.Sweep(r.cfg.now())
		}
	}
}

func (r *Registry) closeAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.Close()
		delete(r.sessions, id)
		closed = append(closed, s)
	}
	return closed
}

// shutdownNotifyWait bounds how long shutdown waits for commit notifications
// still being delivered.
const shutdownNotifyWait = 5 * time.Second

func (r *Registry) drain(sessions []*Session, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, s := range sessions {
		if err := s.WaitNotifications(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("commit notifications still pending at shutdown")
			return
		}
	}
}
