// Package session implements per-user session state with a local LRU cache
// backed by a shared KV store mirror for cross-node presence.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateDisconnected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "expired"
	}
}

// Attributes carries the identity and device fields set at authentication.
type Attributes struct {
	UserID    string            `json:"user_id"`
	PlayerID  string            `json:"player_id"`
	DeviceID  string            `json:"device_id"`
	IP        string            `json:"ip"`
	UserAgent string            `json:"user_agent"`
	Platform  string            `json:"platform"`
	Version   string            `json:"version"`
	Locale    string            `json:"locale"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is one client's server-side state. The connection reference is
// non-owning: a disconnected session may linger in the store until expiry.
type Session struct {
	ID     int64
	ConnID string // bound connection id, empty for detached store reads

	mu              sync.Mutex
	state           State
	createdAt       time.Time
	lastActivity    time.Time
	authenticatedAt time.Time
	expiresAt       time.Time
	attrs           Attributes
	permissions     map[string]struct{}
	roles           map[string]struct{}

	MessagesIn  atomic.Int64
	MessagesOut atomic.Int64

	accessCount atomic.Int64
}

func newSession(id int64, connID string, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		ConnID:       connID,
		state:        StateConnected,
		createdAt:    now,
		lastActivity: now,
		expiresAt:    now.Add(ttl),
		permissions:  make(map[string]struct{}),
		roles:        make(map[string]struct{}),
	}
}

// State returns the current lifecycle state, reporting StateExpired once
// the deadline has passed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().After(s.expiresAt) && s.state != StateDisconnected {
		return StateExpired
	}
	return s.state
}

// Expired reports whether the session's lifetime has run out.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.expiresAt)
}

// Authenticated reports whether the session has passed auth and is alive.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuthenticated && time.Now().Before(s.expiresAt)
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Attrs returns a copy of the attribute block.
func (s *Session) Attrs() Attributes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs
}

// UserID returns the authenticated user id, empty before auth.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs.UserID
}

// PlayerID returns the player id bound at auth.
func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs.PlayerID
}

// ExpiresAt returns the current expiry deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// HasPermission checks membership in the permission set.
func (s *Session) HasPermission(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.permissions[p]
	return ok
}

// GrantPermission adds to the permission set.
func (s *Session) GrantPermission(p string) {
	s.mu.Lock()
	s.permissions[p] = struct{}{}
	s.mu.Unlock()
}

// AddRole adds to the role set.
func (s *Session) AddRole(r string) {
	s.mu.Lock()
	s.roles[r] = struct{}{}
	s.mu.Unlock()
}

// HasRole checks membership in the role set.
func (s *Session) HasRole(r string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roles[r]
	return ok
}

// markAuthenticated flips to the authenticated state. The caller supplies
// already-validated attributes; user_id must be non-empty.
func (s *Session) markAuthenticated(attrs Attributes, ttl time.Duration) {
	now := time.Now()
	s.mu.Lock()
	s.attrs = attrs
	s.state = StateAuthenticated
	s.authenticatedAt = now
	s.lastActivity = now
	s.expiresAt = now.Add(ttl)
	s.mu.Unlock()
}

// extend pushes the expiry deadline out by d from now.
func (s *Session) extend(d time.Duration) {
	s.mu.Lock()
	s.expiresAt = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}

// hot reports whether the session crossed the access threshold.
func (s *Session) hot(threshold int64) bool {
	return s.accessCount.Load() >= threshold
}

// record is the JSON shape mirrored to the shared store.
type record struct {
	ID              int64      `json:"id"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivity    time.Time  `json:"last_activity"`
	AuthenticatedAt time.Time  `json:"authenticated_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Attrs           Attributes `json:"attrs"`
}

func (s *Session) snapshot() record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return record{
		ID:              s.ID,
		State:           s.state.String(),
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		AuthenticatedAt: s.authenticatedAt,
		ExpiresAt:       s.expiresAt,
		Attrs:           s.attrs,
	}
}

// detached rebuilds a read-only session view from a store record. It has no
// connection binding and is used for presence lookups only.
func detached(rec record) *Session {
	s := &Session{
		ID:           rec.ID,
		createdAt:    rec.CreatedAt,
		lastActivity: rec.LastActivity,
		expiresAt:    rec.ExpiresAt,
		attrs:        rec.Attrs,
		permissions:  make(map[string]struct{}),
		roles:        make(map[string]struct{}),
	}
	switch rec.State {
	case "authenticated":
		s.state = StateAuthenticated
	case "disconnected":
		s.state = StateDisconnected
	default:
		s.state = StateConnected
	}
	return s
}
