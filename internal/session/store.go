package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/mrkingu/knight-hero-server-sub001/internal/ident"
	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
)

// Store lifecycle errors.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExpired  = errors.New("session: expired")
	ErrInvalidUser     = errors.New("session: user id required")
)

// Options configures the store and its background loops.
type Options struct {
	DefaultTTL      time.Duration // session lifetime on create/auth (default 30m)
	RenewalWindow   time.Duration // renew when expiry is this close (default 300s)
	RenewalInterval time.Duration // auto-renewal loop period (default 30s)
	CleanupInterval time.Duration // expiry sweep period (default 60s)
	LocalCacheSize  int           // LRU capacity (default 5000)
	HotThreshold    int           // accesses to count as hot (default 10)
	MirrorTimeout   time.Duration // shared-store op deadline (default 2s)

	// Metrics is optional; nil disables Prometheus instrumentation.
	Metrics *metrics.Registry
}

func (o *Options) applyDefaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 30 * time.Minute
	}
	if o.RenewalWindow <= 0 {
		o.RenewalWindow = 300 * time.Second
	}
	if o.RenewalInterval <= 0 {
		o.RenewalInterval = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
	if o.LocalCacheSize <= 0 {
		o.LocalCacheSize = 5000
	}
	if o.HotThreshold <= 0 {
		o.HotThreshold = 10
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = 2 * time.Second
	}
}

func sessionKey(id int64) string { return "session:" + strconv.FormatInt(id, 10) }

func userKey(userID string) string { return "user_sessions:" + userID }

// Store owns live sessions: an authoritative map, a local LRU read cache
// with hot tracking, and a shared KV mirror for presence across nodes.
type Store struct {
	idgen  *ident.Generator
	kv     KV
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[int64]*Session            // authoritative, owned sessions
	byUser   map[string]map[int64]struct{} // user_id -> session ids

	cache *lru.Cache[int64, *Session]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	created   atomic.Int64
	removed   atomic.Int64
	renewed   atomic.Int64
	expired   atomic.Int64
	cacheHits atomic.Int64
	storeHits atomic.Int64
}

// NewStore builds a store over the id generator and shared KV collaborator.
func NewStore(idgen *ident.Generator, kv KV, opts Options, logger zerolog.Logger) (*Store, error) {
	opts.applyDefaults()
	cache, err := lru.New[int64, *Session](opts.LocalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return &Store{
		idgen:    idgen,
		kv:       kv,
		opts:     opts,
		logger:   logger.With().Str("component", "session_store").Logger(),
		sessions: make(map[int64]*Session),
		byUser:   make(map[string]map[int64]struct{}),
		cache:    cache,
	}, nil
}

// Start launches the auto-renewal and cleanup loops.
func (s *Store) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(2)
	go s.renewalLoop(ctx)
	go s.cleanupLoop(ctx)
}

// Stop halts the background loops.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Create mints a new session bound to a connection and mirrors it.
func (s *Store) Create(connID string) (*Session, error) {
	id, err := s.idgen.Next()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	sess := newSession(id, connID, s.opts.DefaultTTL)

	s.mu.Lock()
	s.sessions[id] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	s.cache.Add(id, sess)
	s.created.Add(1)
	if m := s.opts.Metrics; m != nil {
		m.SessionsCreated.Inc()
		m.SessionsActive.Set(float64(count))
	}

	s.mirror(sess)
	return sess, nil
}

// Get resolves a session: local cache first, then the owned map, then the
// shared store. Shared-store hits come back detached (no connection
// binding) and serve presence lookups only.
func (s *Store) Get(id int64) (*Session, bool) {
	if sess, ok := s.cache.Get(id); ok {
		sess.accessCount.Add(1)
		s.cacheHits.Add(1)
		return sess, true
	}

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		sess.accessCount.Add(1)
		s.cache.Add(id, sess)
		return sess, true
	}

	if s.kv == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MirrorTimeout)
	defer cancel()
	raw, found, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil || !found {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	s.storeHits.Add(1)
	return detached(rec), true
}

// Remove drops a session everywhere, marking it disconnected.
func (s *Store) Remove(id int64) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		if uid := sess.UserID(); uid != "" {
			if set, exists := s.byUser[uid]; exists {
				delete(set, id)
				if len(set) == 0 {
					delete(s.byUser, uid)
				}
			}
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return
	}
	if m := s.opts.Metrics; m != nil {
		m.SessionsActive.Set(float64(count))
	}
	sess.markDisconnected()
	s.cache.Remove(id)
	s.removed.Add(1)

	if s.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.MirrorTimeout)
		defer cancel()
		_ = s.kv.Delete(ctx, sessionKey(id))
		if uid := sess.UserID(); uid != "" {
			_ = s.kv.SRem(ctx, userKey(uid), strconv.FormatInt(id, 10))
		}
	}
}

// Authenticate flips the session to the authenticated state and indexes it
// by user. The attrs must carry a non-empty UserID.
func (s *Store) Authenticate(id int64, attrs Attributes) error {
	if attrs.UserID == "" {
		return ErrInvalidUser
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		set, exists := s.byUser[attrs.UserID]
		if !exists {
			set = make(map[int64]struct{})
			s.byUser[attrs.UserID] = set
		}
		set[id] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Expired() {
		return ErrSessionExpired
	}

	sess.markAuthenticated(attrs, s.opts.DefaultTTL)
	s.mirror(sess)
	if s.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.MirrorTimeout)
		defer cancel()
		key := userKey(attrs.UserID)
		_ = s.kv.SAdd(ctx, key, strconv.FormatInt(id, 10))
		_ = s.kv.Expire(ctx, key, s.mirrorTTL(sess))
	}
	return nil
}

// Renew extends a session's lifetime by d from now.
func (s *Store) Renew(id int64, d time.Duration) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Expired() {
		return ErrSessionExpired
	}
	sess.extend(d)
	s.renewed.Add(1)
	s.mirror(sess)
	return nil
}

// GetByUser lists the session ids currently held for a user on this node.
func (s *Store) GetByUser(userID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byUser[userID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// LogoutUser removes every session of a user and returns the count.
func (s *Store) LogoutUser(userID string) int {
	ids := s.GetByUser(userID)
	for _, id := range ids {
		s.Remove(id)
	}
	return len(ids)
}

// CleanupExpired sweeps out sessions past their deadline.
func (s *Store) CleanupExpired() int {
	s.mu.RLock()
	stale := make([]int64, 0)
	for id, sess := range s.sessions {
		if sess.Expired() {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.Remove(id)
		s.expired.Add(1)
		if m := s.opts.Metrics; m != nil {
			m.SessionsExpired.Inc()
		}
	}
	return len(stale)
}

// Count returns the number of owned sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats reports store counters.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	active := len(s.sessions)
	users := len(s.byUser)
	s.mu.RUnlock()
	return map[string]any{
		"active":     active,
		"users":      users,
		"created":    s.created.Load(),
		"removed":    s.removed.Load(),
		"renewed":    s.renewed.Load(),
		"expired":    s.expired.Load(),
		"cache_hits": s.cacheHits.Load(),
		"store_hits": s.storeHits.Load(),
		"cache_len":  s.cache.Len(),
	}
}

// mirror writes the session snapshot to the shared store with a TTL equal
// to the remaining lifetime, floored at one minute.
func (s *Store) mirror(sess *Session) {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(sess.snapshot())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MirrorTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, sessionKey(sess.ID), string(raw), s.mirrorTTL(sess)); err != nil {
		s.logger.Warn().Int64("session_id", sess.ID).Err(err).Msg("Session mirror write failed")
	}
}

func (s *Store) mirrorTTL(sess *Session) time.Duration {
	ttl := time.Until(sess.ExpiresAt())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// renewalLoop extends hot sessions that are close to expiry.
func (s *Store) renewalLoop(ctx context.Context) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "session_renewal")

	ticker := time.NewTicker(s.opts.RenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renewHot()
		}
	}
}

func (s *Store) renewHot() {
	threshold := int64(s.opts.HotThreshold)

	s.mu.RLock()
	due := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.hot(threshold) && !sess.Expired() &&
			time.Until(sess.ExpiresAt()) < s.opts.RenewalWindow {
			due = append(due, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range due {
		sess.extend(s.opts.DefaultTTL)
		s.renewed.Add(1)
		if m := s.opts.Metrics; m != nil {
			m.SessionRenewals.Inc()
		}
		s.mirror(sess)
	}
	if len(due) > 0 {
		s.logger.Debug().Int("count", len(due)).Msg("Auto-renewed hot sessions")
	}
}

func (s *Store) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "session_cleanup")

	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				s.logger.Info().Int("count", n).Msg("Expired sessions removed")
			}
		}
	}
}
