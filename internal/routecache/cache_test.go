package routecache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c := New(16, time.Minute)
	key := Key{MsgID: 1001, PlayerID: "p1"}

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, "10.0.0.1:9001")
	target, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9001", target)
}

func TestKeysAreIndependentPerPlayer(t *testing.T) {
	c := New(16, time.Minute)
	c.Put(Key{MsgID: 1001, PlayerID: "p1"}, "a:1")
	c.Put(Key{MsgID: 1001, PlayerID: "p2"}, "b:1")

	a, _ := c.Get(Key{MsgID: 1001, PlayerID: "p1"})
	b, _ := c.Get(Key{MsgID: 1001, PlayerID: "p2"})
	assert.Equal(t, "a:1", a)
	assert.Equal(t, "b:1", b)
}

func TestTTLExpiry(t *testing.T) {
	c := New(16, 30*time.Millisecond)
	key := Key{MsgID: 2001, PlayerID: "p1"}
	c.Put(key, "a:1")

	_, ok := c.Get(key)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New(16, time.Minute)
	key := Key{MsgID: 3001, PlayerID: "p1"}
	c.Put(key, "a:1")
	c.Invalidate(key)
	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New(8, time.Minute)
	for i := 0; i < 20; i++ {
		c.Put(Key{MsgID: 1001, PlayerID: fmt.Sprintf("p%d", i)}, "a:1")
	}
	assert.LessOrEqual(t, c.Len(), 8)

	// The most recent entries survive.
	_, ok := c.Get(Key{MsgID: 1001, PlayerID: "p19"})
	assert.True(t, ok)
}

func TestPurgeAndStats(t *testing.T) {
	c := New(16, time.Minute)
	key := Key{MsgID: 1001, PlayerID: "p1"}
	c.Put(key, "a:1")
	c.Get(key)
	c.Get(Key{MsgID: 1002, PlayerID: "none"})

	st := c.Stats()
	assert.Equal(t, int64(1), st["hits"])
	assert.Equal(t, int64(1), st["misses"])

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
