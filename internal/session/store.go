// ABOUTME: Owns the in-memory session table and its concurrency discipline.
// ABOUTME: Creates are durable before visible; reload at startup is best-effort.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mux-gateway/internal/authbind"
	"github.com/2389/mux-gateway/internal/registry"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// StateReady is the only state a live session carries. The column exists so
// records abandoned mid-create can be excluded from reload.
const StateReady = "ready"

// Binding is the durable association between a session and its providers.
// Read-only once returned by the store.
type Binding struct {
	ID          string
	Providers   []string // bound order, preserved in merged catalogs
	Credentials map[string]authbind.Credential
	State       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Persistence is the durability contract for session bindings.
// SaveSession must be durable before Create returns success.
type Persistence interface {
	SaveSession(ctx context.Context, b *Binding) error
	LoadSessions(ctx context.Context) ([]*Binding, error)
	DeleteSession(ctx context.Context, id string) error
}

// Config contains configuration options for the Store.
type Config struct {
	Persistence Persistence
	Registry    *registry.Registry
	Logger      *slog.Logger
}

// Store owns the set of sessions. Reads are concurrent; creates and deletes
// are serialized against each other and ordered so a completed create is
// visible to any get issued afterward.
type Store struct {
	persist  Persistence
	registry *registry.Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Binding
}

// NewStore creates a session store backed by the given persistence.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Persistence == nil {
		return nil, errors.New("persistence is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		persist:  cfg.Persistence,
		registry: cfg.Registry,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Binding),
	}, nil
}

// Load restores previously persisted sessions into the in-memory table.
// Best-effort: a record whose providers no longer resolve is skipped with a
// warning. Called exactly once at startup; reload failures never abort it.
func (s *Store) Load(ctx context.Context) error {
	bindings, err := s.persist.LoadSessions(ctx)
	if err != nil {
		s.logger.Warn("loading persisted sessions failed", "error", err)
		return nil
	}

	restored := 0
	for _, b := range bindings {
		if err := s.validateProviders(b.Providers); err != nil {
			s.logger.Warn("skipping persisted session",
				"session_id", b.ID,
				"error", err,
			)
			continue
		}
		s.mu.Lock()
		s.sessions[b.ID] = b
		s.mu.Unlock()
		restored++
	}

	s.logger.Info("restored persisted sessions", "restored", restored, "total", len(bindings))
	return nil
}

// Create validates every provider against the registry, persists the new
// binding, and only then makes it visible to concurrent Gets. Fails
// atomically on the first unknown provider: nothing is persisted.
func (s *Store) Create(ctx context.Context, providers []string, credentials map[string]authbind.Credential) (*Binding, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if err := s.validateProviders(providers); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Binding{
		ID:          uuid.New().String(),
		Providers:   append([]string(nil), providers...),
		Credentials: copyCredentials(credentials),
		State:       StateReady,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Commit to persistent storage before the session becomes visible, so
	// no caller can observe an identifier that is not yet durable.
	if err := s.persist.SaveSession(ctx, b); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	s.mu.Lock()
	s.sessions[b.ID] = b
	s.mu.Unlock()

	s.logger.Info("session created",
		"session_id", b.ID,
		"providers", b.Providers,
	)
	return b, nil
}

// Get returns the binding for the given session id.
func (s *Store) Get(_ context.Context, id string) (*Binding, error) {
	s.mu.RLock()
	b, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return b, nil
}

// Delete removes the session from persistence and the in-memory table.
// Idempotent: deleting an absent session succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.persist.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting persisted session: %w", err)
	}

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// validateProviders checks every provider name against the registry.
func (s *Store) validateProviders(providers []string) error {
	for _, name := range providers {
		if _, err := s.registry.Get(name); err != nil {
			return err
		}
	}
	return nil
}

func copyCredentials(in map[string]authbind.Credential) map[string]authbind.Credential {
	out := make(map[string]authbind.Credential, len(in))
	for provider, cred := range in {
		c := make(authbind.Credential, len(cred))
		for k, v := range cred {
			c[k] = v
		}
		out[provider] = c
	}
	return out
}
