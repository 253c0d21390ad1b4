package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beeweed/vibecoder/internal/vfs"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session is busy")
)

// Session owns one file view. Requests against it are serialized through
// Acquire.
type Session struct {
	ID        string
	CreatedAt time.Time
	View      *vfs.FileView

	lock chan struct{}
}

// Acquire waits up to timeout for exclusive use of the session. The returned
// release func must be called exactly once.
func (s *Session) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	release := func() { <-s.lock }

	select {
	case s.lock <- struct{}{}:
		return release, nil
	default:
	}
	if timeout <= 0 {
		return nil, ErrBusy
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.lock <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Busy reports whether a request currently holds the session.
func (s *Session) Busy() bool {
	return len(s.lock) > 0
}

// Summary is the listing form of a session.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
	Busy      bool      `json:"busy"`
}

// Summary describes s.
func (s *Session) Summary() Summary {
	return Summary{ID: s.ID, CreatedAt: s.CreatedAt, Files: s.View.Len(), Busy: s.Busy()}
}

// Registry holds the live sessions of the process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{sessions: make(map[string]*Session), logger: logger}
}

// Create registers a new session seeded with files.
func (r *Registry) Create(files []vfs.File) (*Session, error) {
	view, err := vfs.New(files)
	if err != nil {
		return nil, fmt.Errorf("seed files: %w", err)
	}
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		View:      view,
		lock:      make(chan struct{}, 1),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", s.ID, "files", view.Len())
	return s, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Delete removes the session with id. An in-flight request keeps its view
// until it finishes.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	r.logger.Info("session deleted", "session_id", id)
	return nil
}

// List returns every session, oldest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
