package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Registry owns all live sessions. Creation is funneled through the startup
// pacer so that many sessions coming up at once connect one at a time.
type Registry struct {
	opts  Options
	pacer *Pacer

	mu       sync.Mutex
	sessions map[string]*Session

	// initSession is the connect step scheduled on the pacer. Overridable in
	// tests to avoid real network work.
	initSession func(s *Session)
}

// NewRegistry creates a registry sharing opts across its sessions.
func NewRegistry(opts Options, pacer *Pacer) *Registry {
	r := &Registry{
		opts:     opts,
		pacer:    pacer,
		sessions: make(map[string]*Session),
	}
	r.initSession = func(s *Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Initialize(ctx); err != nil {
			log.Printf("[Registry] Session %s failed to initialize: %v", s.ID, err)
		}
	}
	return r
}

// GetOrCreate returns the session for id, creating and scheduling it exactly
// once. Concurrent callers for the same id all get the same session, and its
// initialization is queued on the pacer a single time.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	s := New(id, r.opts)
	r.sessions[id] = s
	r.mu.Unlock()

	r.pacer.Schedule(func() {
		r.initSession(s)
	})
	return s, nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns all sessions sorted by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove logs the session out and drops it from the registry. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Logout(ctx)
}

// RestoreAll schedules sessions for every credential directory found under
// the base dir. Individual failures are logged, not fatal.
func (r *Registry) RestoreAll() {
	entries, err := os.ReadDir(r.opts.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Registry] Failed to scan %s: %v", r.opts.BaseDir, err)
		}
		return
	}

	restored := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := r.GetOrCreate(entry.Name()); err != nil {
			log.Printf("[Registry] Failed to restore session %s: %v", entry.Name(), err)
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Printf("[Registry] Restoring %d session(s)", restored)
	}
}

// CloseAll disconnects every session without logging out. Used at shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		s.Close()
	}
	r.pacer.Stop()
}
