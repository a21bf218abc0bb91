// Package credentials holds the access/refresh token pair for the running gateway.
//
// A Store keeps the current pair in memory for lock-cheap reads and writes it through
// to a durable Backend (memory, Redis or Postgres). Every change is broadcast on the
// event bus so that other parts of the application learn when tokens are replaced or
// cleared.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gamedeck/panel-gateway/pkg/eventbus"
	"github.com/gamedeck/panel-gateway/pkg/model"
	"github.com/gamedeck/panel-gateway/pkg/utils"
)

// ErrNotFound is returned by a Backend when no pair is persisted.
var ErrNotFound = errors.New("credentials: not found")

// Backend persists the credential pair. Save must replace both tokens in one write.
type Backend interface {
	Load(ctx context.Context) (model.CredentialPair, error)
	Save(ctx context.Context, pair model.CredentialPair) error
	Delete(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// Store is the process-wide credential store. It is safe for concurrent use;
// readers never observe a half-updated pair.
type Store struct {
	logger  *zap.Logger
	backend Backend
	bus     *eventbus.Bus
	now     func() time.Time

	// persistMu orders backend writes; mu guards the in-memory state only, so
	// readers never wait on backend I/O.
	persistMu sync.Mutex

	mu          sync.RWMutex
	pair        model.CredentialPair
	present     bool
	gen         uint64 // bumped on every Set, Clear and Load
	identity    *model.Identity
	identityAt  time.Time
	identityTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithIdentityTTL bounds how long a cached identity is served.
func WithIdentityTTL(ttl time.Duration) Option {
	return func(s *Store) { s.identityTTL = ttl }
}

// NewStore wraps backend. bus may be nil when nothing listens for changes.
func NewStore(backend Backend, bus *eventbus.Bus, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		logger:      logger,
		backend:     backend,
		bus:         bus,
		now:         time.Now,
		identityTTL: 5 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load restores the persisted pair into memory. A missing pair is not an error.
func (s *Store) Load(ctx context.Context) error {
	pair, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	s.mu.Lock()
	s.pair = pair
	s.present = !pair.Empty()
	s.gen++
	s.mu.Unlock()

	s.logger.Info("credentials.restored", zap.String("access", utils.MaskToken(pair.AccessToken)))
	return nil
}

// Get returns the current pair, or false when none is stored.
func (s *Store) Get() (model.CredentialPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.present
}

// Snapshot returns the current pair together with its generation. Pass the
// generation to SetIf or ClearIf to change the pair only if nothing else has
// changed it in between.
func (s *Store) Snapshot() (pair model.CredentialPair, gen uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.gen, s.present
}

// Set replaces both tokens and broadcasts a TokensRefreshedEvent. The in-memory pair
// is replaced even when persisting fails; the persistence error is returned.
func (s *Store) Set(ctx context.Context, pair model.CredentialPair, reason string) error {
	_, err := s.set(ctx, pair, reason, nil)
	return err
}

// SetIf replaces the pair only when the store is still at generation gen. It
// reports whether the pair was stored.
func (s *Store) SetIf(ctx context.Context, gen uint64, pair model.CredentialPair, reason string) (bool, error) {
	return s.set(ctx, pair, reason, &gen)
}

func (s *Store) set(ctx context.Context, pair model.CredentialPair, reason string, expect *uint64) (bool, error) {
	if pair.Empty() {
		return false, fmt.Errorf("credentials: refusing to store an empty access token")
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if expect != nil && *expect != s.gen {
		s.mu.Unlock()
		return false, nil
	}
	s.pair = pair
	s.present = true
	s.identity = nil
	s.gen++
	s.mu.Unlock()

	err := s.backend.Save(ctx, pair)
	if err != nil {
		s.logger.Error("credentials.persist_failed", zap.Error(err))
		err = fmt.Errorf("persist credentials: %w", err)
	}

	ev := model.TokensRefreshedEvent{
		Pair:      pair,
		Reason:    reason,
		Timestamp: s.now().UTC(),
	}
	if exp, ok := Expiry(pair.AccessToken); ok {
		ev.ExpiresAt = &exp
	}
	s.publish(ev)
	return true, err
}

// Clear removes both tokens and any cached identity. It is idempotent; the
// LoggedOutEvent is only broadcast when a pair was actually present.
func (s *Store) Clear(ctx context.Context, reason string) error {
	_, err := s.clear(ctx, reason, nil)
	return err
}

// ClearIf clears the store only when it is still at generation gen. It reports
// whether the store was cleared.
func (s *Store) ClearIf(ctx context.Context, gen uint64, reason string) (bool, error) {
	return s.clear(ctx, reason, &gen)
}

func (s *Store) clear(ctx context.Context, reason string, expect *uint64) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if expect != nil && *expect != s.gen {
		s.mu.Unlock()
		return false, nil
	}
	wasPresent := s.present
	s.pair = model.CredentialPair{}
	s.present = false
	s.identity = nil
	s.gen++
	s.mu.Unlock()

	err := s.backend.Delete(ctx)
	if err != nil {
		s.logger.Error("credentials.delete_failed", zap.Error(err))
		err = fmt.Errorf("delete credentials: %w", err)
	}

	if wasPresent {
		s.logger.Info("credentials.cleared", zap.String("reason", reason))
		s.publish(model.LoggedOutEvent{Reason: reason, Timestamp: s.now().UTC()})
	}
	return true, err
}

// HasSession reports whether a credential pair is stored.
func (s *Store) HasSession() bool {
	_, ok := s.Get()
	return ok
}

// Identity returns the cached user identity if it is still fresh.
func (s *Store) Identity() (model.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil || s.now().Sub(s.identityAt) > s.identityTTL {
		return model.Identity{}, false
	}
	return *s.identity, true
}

// SetIdentity caches the identity of the current session. It is ignored when no
// credentials are stored, so a late response cannot resurrect a cleared session.
func (s *Store) SetIdentity(id model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return
	}
	s.identity = &id
	s.identityAt = s.now()
}

// HealthCheck reports whether the backend is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.backend.HealthCheck(ctx)
}

func (s *Store) publish(event any) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}
