package livesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huangang/vibecoding/internal/broadcast"
	"github.com/huangang/vibecoding/internal/models"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/pkg/logger"
	"github.com/robfig/cron/v3"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry owns every live session of the process.
type Registry struct {
	store     Store
	bus       broadcast.Bus
	authority *permission.Authority
	opts      Options
	idle      time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc

	cronScheduler *cron.Cron
}

func NewRegistry(store Store, bus broadcast.Bus, authority *permission.Authority, opts Options, idle time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:     store,
		bus:       bus,
		authority: authority,
		opts:      opts,
		idle:      idle,
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Create opens a session for actor, subscribes it to the room and
// bootstraps its files.
func (r *Registry) Create(ctx context.Context, projectID string, actor permission.Actor) (*Session, []models.File, error) {
	s := NewSession(projectID, actor, r.store, r.bus, r.authority, r.opts)
	if err := s.Start(r.ctx); err != nil {
		return nil, nil, err
	}
	files, err := s.Bootstrap(ctx)
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	logger.Info().Str("session_id", s.ID()).Str("project_id", projectID).
		Str("user_id", actor.UserID).Str("role", string(actor.Role)).Msg("session opened")
	return s, files, nil
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

// Remove closes the session, flushing its pending writes.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.Close()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions that have had no event stream for the idle period.
func (r *Registry) Sweep() int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-r.idle)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if since := s.IdleSince(); !since.IsZero() && since.Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		logger.Infof("[Registry] swept %d idle sessions", len(stale))
	}
	return len(stale)
}

// StartSweeper runs Sweep on the given cron schedule, e.g. "@every 1m".
func (r *Registry) StartSweeper(spec string) error {
	r.cronScheduler = cron.New()
	if _, err := r.cronScheduler.AddFunc(spec, func() { r.Sweep() }); err != nil {
		return err
	}
	r.cronScheduler.Start()
	logger.Infof("[Registry] idle sweeper scheduled (%s)", spec)
	return nil
}

// Stop stops the sweeper and closes every session.
func (r *Registry) Stop() {
	if r.cronScheduler != nil {
		<-r.cronScheduler.Stop().Done()
	}

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.cancel()
}
