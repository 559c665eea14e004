package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"goldvision/cmd/identity/ids"
	"goldvision/cmd/internal/storage"
)

// Store is the SessionIdentityStore. One instance per client.
type Store struct {
	backend storage.Store
	log     *slog.Logger
	now     func() time.Time
	newID   func(time.Time) (string, error)

	mu       sync.Mutex
	id       string
	degraded bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for degradation notices.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source for generated ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides id generation (tests).
func WithIDGenerator(gen func(time.Time) (string, error)) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New constructs a Store over backend. A nil backend runs memory-only.
func New(backend storage.Store, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     slog.Default(),
		now:     time.Now,
		newID:   ids.NewULID,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	if backend == nil {
		s.degraded = true
	}
	return s
}

// GetOrCreate returns the current session id, restoring it from storage or
// generating and persisting a new one.
func (s *Store) GetOrCreate(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return s.id
	}

	if !s.degraded {
		v, err := s.backend.Get(ctx, storage.KeySessionID)
		switch {
		case err == nil && strings.TrimSpace(v) != "":
			s.id = v
			return s.id
		case err != nil && !storage.IsNotFound(err):
			s.degrade("read", err)
		}
	}

	s.id = s.generate()
	s.persist(ctx)
	return s.id
}

// Replace adopts id when non-empty. An empty id discards the current session
// and generates a fresh one. The adopted id is returned.
func (s *Store) Replace(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		if !s.degraded {
			if err := s.backend.Delete(ctx, storage.KeySessionID); err != nil {
				s.degrade("delete", err)
			}
		}
		id = s.generate()
		s.log.Debug("session.reset", "session_id", id)
	}

	s.id = id
	s.persist(ctx)
	return s.id
}

// Current returns the id without creating one.
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Degraded reports whether the store fell back to memory-only operation.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// persist writes s.id. Caller holds mu.
func (s *Store) persist(ctx context.Context) {
	if s.degraded {
		return
	}
	if err := s.backend.Set(ctx, storage.KeySessionID, s.id, 0); err != nil {
		s.degrade("write", err)
	}
}

// degrade switches to memory-only operation. A canceled caller context is
// not a storage failure. Caller holds mu.
func (s *Store) degrade(op string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.Debug("session.storage.skip", "op", op, "err", err)
		return
	}
	s.degraded = true
	s.log.Debug("session.storage.degraded", "op", op, "err", err)
}

// generate returns a new id. Caller holds mu.
func (s *Store) generate() string {
	now := s.now()
	id, err := s.newID(now)
	if err == nil && id != "" {
		return id
	}
	s.log.Debug("session.id.fallback", "err", err)
	return strconv.FormatInt(now.UnixNano(), 36)
}
