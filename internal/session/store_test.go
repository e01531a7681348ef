package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkingu/knight-hero-server-sub001/internal/ident"
)

func testStore(t *testing.T, kv KV, opts Options) *Store {
	t.Helper()
	idgen, err := ident.NewGenerator(0, 1)
	require.NoError(t, err)
	s, err := NewStore(idgen, kv, opts, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{})

	sess, err := s.Create("conn-1")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", sess.ConnID)
	assert.Equal(t, StateConnected, sess.State())
	assert.False(t, sess.Authenticated())

	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, s.Count())
}

func TestGetMissing(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{})
	_, ok := s.Get(12345)
	assert.False(t, ok)
}

func TestAuthenticate(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{})
	sess, err := s.Create("conn-1")
	require.NoError(t, err)

	err = s.Authenticate(sess.ID, Attributes{UserID: "u1", PlayerID: "p1", Platform: "ios"})
	require.NoError(t, err)
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "u1", sess.UserID())
	assert.Equal(t, "p1", sess.PlayerID())
	assert.Equal(t, []int64{sess.ID}, s.GetByUser("u1"))
}

func TestAuthenticateRequiresUserID(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{})
	sess, _ := s.Create("conn-1")
	assert.ErrorIs(t, s.Authenticate(sess.ID, Attributes{PlayerID: "p1"}), ErrInvalidUser)
	assert.ErrorIs(t, s.Authenticate(999, Attributes{UserID: "u1"}), ErrSessionNotFound)
}

func TestRemove(t *testing.T) {
	kv := NewMemoryKV()
	s := testStore(t, kv, Options{})
	sess, _ := s.Create("conn-1")
	require.NoError(t, s.Authenticate(sess.ID, Attributes{UserID: "u1"}))

	s.Remove(sess.ID)
	_, ok := s.Get(sess.ID)
	assert.False(t, ok)
	assert.Empty(t, s.GetByUser("u1"))
	assert.Equal(t, StateDisconnected, sess.State())

	// The mirror record is gone too.
	_, found, err := kv.Get(context.Background(), sessionKey(sess.ID))
	require.NoError(t, err)
	assert.False(t, found)

	// Double remove is harmless.
	s.Remove(sess.ID)
}

func TestRenew(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{})
	sess, _ := s.Create("conn-1")
	before := sess.ExpiresAt()

	require.NoError(t, s.Renew(sess.ID, time.Hour))
	assert.True(t, sess.ExpiresAt().After(before))
	assert.ErrorIs(t, s.Renew(999, time.Hour), ErrSessionNotFound)
}

func TestExpiry(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{DefaultTTL: 30 * time.Millisecond})
	sess, _ := s.Create("conn-1")
	require.NoError(t, s.Authenticate(sess.ID, Attributes{UserID: "u1"}))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, sess.Expired())
	assert.False(t, sess.Authenticated())
	assert.Equal(t, StateExpired, sess.State())
	assert.ErrorIs(t, s.Renew(sess.ID, time.Hour), ErrSessionExpired)

	removed := s.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Count())
}

func TestLogoutUserRemovesAllSessions(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{})
	a, _ := s.Create("conn-1")
	b, _ := s.Create("conn-2")
	require.NoError(t, s.Authenticate(a.ID, Attributes{UserID: "u1"}))
	require.NoError(t, s.Authenticate(b.ID, Attributes{UserID: "u1"}))
	c, _ := s.Create("conn-3")
	require.NoError(t, s.Authenticate(c.ID, Attributes{UserID: "u2"}))

	assert.Equal(t, 2, s.LogoutUser("u1"))
	assert.Equal(t, 1, s.Count())
	assert.Len(t, s.GetByUser("u2"), 1)
}

func TestDetachedReadFromMirror(t *testing.T) {
	kv := NewMemoryKV()

	// One store authenticates, the other only shares the KV.
	a := testStore(t, kv, Options{})
	b := testStore(t, kv, Options{})

	sess, _ := a.Create("conn-1")
	require.NoError(t, a.Authenticate(sess.ID, Attributes{UserID: "u1", PlayerID: "p1"}))

	got, ok := b.Get(sess.ID)
	require.True(t, ok)
	assert.Empty(t, got.ConnID, "mirror reads are detached")
	assert.Equal(t, "u1", got.UserID())
	assert.Equal(t, "p1", got.PlayerID())
	assert.Equal(t, StateAuthenticated, got.State())
	assert.Equal(t, int64(1), b.Stats()["store_hits"])
}

func TestRenewHotExtendsNearExpirySessions(t *testing.T) {
	s := testStore(t, NewMemoryKV(), Options{
		DefaultTTL:    200 * time.Millisecond,
		RenewalWindow: time.Second,
		HotThreshold:  3,
	})
	hot, _ := s.Create("conn-hot")
	cold, _ := s.Create("conn-cold")

	for i := 0; i < 5; i++ {
		s.Get(hot.ID)
	}
	hotBefore := hot.ExpiresAt()
	coldBefore := cold.ExpiresAt()

	s.renewHot()
	assert.True(t, hot.ExpiresAt().After(hotBefore), "hot session near expiry is extended")
	assert.Equal(t, coldBefore, cold.ExpiresAt(), "cold session is left alone")
}

func TestSessionRoles(t *testing.T) {
	s := testStore(t, nil, Options{})
	sess, _ := s.Create("conn-1")

	assert.False(t, sess.HasRole("admin"))
	sess.AddRole("admin")
	sess.GrantPermission("kick")
	assert.True(t, sess.HasRole("admin"))
	assert.True(t, sess.HasPermission("kick"))
	assert.False(t, sess.HasPermission("ban"))
}

func TestMemoryKVSets(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.SAdd(ctx, "k", "a"))
	require.NoError(t, kv.SAdd(ctx, "k", "b"))
	members, err := kv.SMembers(ctx, "k")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, kv.SRem(ctx, "k", "a"))
	members, _ = kv.SMembers(ctx, "k")
	assert.Equal(t, []string{"b"}, members)

	require.NoError(t, kv.Expire(ctx, "k", -time.Second))
	members, _ = kv.SMembers(ctx, "k")
	assert.Empty(t, members)
}

func TestMemoryKVValueTTL(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v", 30*time.Millisecond))
	v, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", v)

	time.Sleep(50 * time.Millisecond)
	_, found, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
