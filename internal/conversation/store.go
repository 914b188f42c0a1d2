package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obradorhq/obradoria/internal/observe"
)

// DefaultTTL is how long an idle session survives.
const DefaultTTL = time.Hour

const defaultSweepInterval = 5 * time.Minute

var (
	ErrSessionNotFound = errors.New("conversation: session not found")
	ErrSessionExpired  = errors.New("conversation: session expired")
)

// Store holds live sessions keyed by id. Expired sessions are dropped lazily
// on access and proactively by the background sweeper.
//
// All methods are safe for concurrent use. The sessions handed out carry
// their own lock; see [Session.Lock].
type Store struct {
	ttl     time.Duration
	now     func() time.Time
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	done     chan struct{}
	stopOnce sync.Once
}

// StoreOption is a functional option for Store.
type StoreOption func(*Store)

// WithStoreClock overrides the wall clock, for tests that control expiry.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithStoreMetrics overrides the metrics sink.
func WithStoreMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates a session store. A non-positive ttl selects [DefaultTTL].
func NewStore(ttl time.Duration, opts ...StoreOption) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Create registers a new session and returns it.
func (s *Store) Create() *Session {
	sess := newSession(uuid.NewString(), s.now())

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(context.Background(), 1)
	return sess
}

// Get returns the session with the given id, refreshing its activity
// timestamp. An expired session is removed and reported as [ErrSessionExpired].
func (s *Store) Get(id string) (*Session, error) {
	now := s.now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && now.Sub(sess.LastActive) > s.ttl {
		delete(s.sessions, id)
		s.mu.Unlock()
		s.expired(1)
		return nil, ErrSessionExpired
	}
	if ok {
		sess.LastActive = now
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete removes a session, typically after its run completes.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Len returns the number of live sessions, expired ones included until a
// sweep runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PurgeExpired removes every session idle past the TTL and returns how many
// were dropped.
func (s *Store) PurgeExpired() int {
	now := s.now()

	s.mu.Lock()
	var dropped int
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActive) > s.ttl {
			delete(s.sessions, id)
			dropped++
		}
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.expired(dropped)
		slog.Debug("conversation: purged expired sessions", "count", dropped)
	}
	return dropped
}

// StartSweeper runs periodic purges in a background goroutine until the
// context is cancelled or [Store.Stop] is called.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.PurgeExpired()
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Store) expired(n int) {
	ctx := context.Background()
	s.metrics.SessionsExpired.Add(ctx, int64(n))
	s.metrics.ActiveSessions.Add(ctx, int64(-n))
}
