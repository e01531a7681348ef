package gateway

import (
	"io"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
)

func newTestPool(maxConcurrent, preAllocate int) *Pool {
	return NewPool(PoolOptions{
		MaxConcurrent:   maxConcurrent,
		PreAllocateSize: preAllocate,
	}, zerolog.Nop())
}

// acquire creates a pooled connection over an in-memory socket and keeps its
// client end drained.
func acquire(t *testing.T, p *Pool) *Connection {
	t.Helper()
	server, client := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, client) }()
	c, err := p.Create(server, "10.0.0.1:5555")
	require.NoError(t, err)
	return c
}

func TestCreateReusesPreAllocatedShells(t *testing.T) {
	p := newTestPool(4, 1)
	c1 := acquire(t, p)
	c2 := acquire(t, p)
	defer p.CloseAll(protocol.CloseNormal, "test done")

	assert.Equal(t, 2, p.ActiveCount())
	st := p.Stats()
	assert.Equal(t, int64(1), st["reuse_hits"], "the pre-allocated shell is used first")
	assert.Equal(t, int64(1), st["reuse_misses"])
	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestCreateRejectsAtCapacity(t *testing.T) {
	p := newTestPool(2, 1)
	acquire(t, p)
	acquire(t, p)
	defer p.CloseAll(protocol.CloseNormal, "test done")

	server, client := net.Pipe()
	defer client.Close()
	_, err := p.Create(server, "10.0.0.2:5555")
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats()["rejected"])
}

func TestReleaseRecyclesShell(t *testing.T) {
	p := newTestPool(4, 1)
	c := acquire(t, p)

	p.Release(c)
	assert.Equal(t, 0, p.ActiveCount())
	assert.Equal(t, StateIdle, c.State(), "released shells are reset for reuse")

	st := p.Stats()
	assert.Equal(t, int64(1), st["released"])
	assert.Equal(t, int64(1), st["recycled"])

	// The next accept picks the recycled shell up again.
	c2 := acquire(t, p)
	defer p.CloseAll(protocol.CloseNormal, "test done")
	assert.Same(t, c, c2)
	assert.Equal(t, int64(2), p.Stats()["reuse_hits"])
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(4, 1)
	c := acquire(t, p)

	p.Release(c)
	p.Release(c)

	st := p.Stats()
	assert.Equal(t, int64(1), st["released"], "double release must not double-count")
	assert.Equal(t, int64(1), st["recycled"], "double release must not recycle twice")
}

func TestGetActiveConnection(t *testing.T) {
	p := newTestPool(4, 1)
	c := acquire(t, p)
	defer p.CloseAll(protocol.CloseNormal, "test done")

	got, ok := p.Get(c.ID)
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = p.Get("no-such-id")
	assert.False(t, ok)
}

func TestCloseAll(t *testing.T) {
	p := newTestPool(4, 2)
	a := acquire(t, p)
	b := acquire(t, p)

	p.CloseAll(protocol.CloseServiceUnavailable, "shutting down")
	assert.Equal(t, 0, p.ActiveCount())
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, StateIdle, b.State())
}

func TestIdleShellCap(t *testing.T) {
	p := NewPool(PoolOptions{
		MaxConcurrent:   8,
		PreAllocateSize: 1,
		MaxIdleShells:   1,
	}, zerolog.Nop())

	a := acquire(t, p)
	b := acquire(t, p)
	p.Release(a)
	p.Release(b)

	st := p.Stats()
	assert.Equal(t, int64(1), st["recycled"])
	assert.Equal(t, int64(1), st["destroyed"], "shells above the idle cap are dropped")
	assert.Equal(t, 1, st["idle_shells"])
}

func TestPoolStateString(t *testing.T) {
	p := newTestPool(4, 1)
	assert.Equal(t, PoolReady, p.State())
	assert.Equal(t, "ready", PoolReady.String())
	assert.Equal(t, "degraded", PoolDegraded.String())
	assert.Equal(t, "overloaded", PoolOverloaded.String())
}
