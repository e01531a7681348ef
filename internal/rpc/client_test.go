package rpc_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mrkingu/knight-hero-server-sub001/internal/backend"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/rpc"
)

// startBackend serves the backend contract plus the health service on a
// random local port and returns its target address.
func startBackend(t *testing.T) (string, *backend.Service, *health.Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := backend.NewService("logic", zerolog.Nop())
	srv := grpc.NewServer()
	rpc.RegisterBackendServer(srv, svc)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)
	return ln.Addr().String(), svc, healthSrv
}

func newTestClient(t *testing.T) (*rpc.Client, *rpc.ChannelPool) {
	t.Helper()
	pool := rpc.NewChannelPool(rpc.PoolOptions{
		MinChannels: 1,
		MaxChannels: 2,
		DialTimeout: 2 * time.Second,
	}, zerolog.Nop())
	t.Cleanup(pool.Shutdown)

	breakers := rpc.NewBreakerGroup(rpc.BreakerOptions{FailureThreshold: 5})
	client := rpc.NewClient(pool, breakers, rpc.ClientOptions{
		DefaultTimeout: 2 * time.Second,
		MaxRetries:     1,
		RetryDelay:     10 * time.Millisecond,
	}, zerolog.Nop())
	return client, pool
}

func envelopePayload(t *testing.T, msgID int32, seq string) []byte {
	t.Helper()
	raw, err := json.Marshal(&protocol.Business{MsgID: msgID, Sequence: seq, PlayerID: "p1"})
	require.NoError(t, err)
	return raw
}

func TestCallRoundTrip(t *testing.T) {
	target, svc, _ := startBackend(t)
	client, _ := newTestClient(t)

	resp, err := client.Call(context.Background(), target, &rpc.Request{
		ServiceName: "logic",
		MethodName:  rpc.HandleMessage,
		Payload:     envelopePayload(t, 1001, "s-1"),
		Metadata:    map[string]string{"player_id": "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.Code)
	assert.Equal(t, int64(1), svc.Handled())

	var body struct {
		MsgID     int32  `json:"msg_id"`
		HandledBy string `json:"handled_by"`
		Sequence  string `json:"sequence"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	assert.Equal(t, int32(-1001), body.MsgID, "the echo answers with the response id")
	assert.Equal(t, "logic", body.HandledBy)
	assert.Equal(t, "s-1", body.Sequence)
}

func TestCallSurfacesApplicationErrors(t *testing.T) {
	target, _, _ := startBackend(t)
	client, _ := newTestClient(t)

	_, err := client.Call(context.Background(), target, &rpc.Request{
		ServiceName: "logic",
		MethodName:  "NoSuchMethod",
		Payload:     envelopePayload(t, 1001, "s-1"),
	})
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int32(404), remote.Code)

	// Application errors never burn retries.
	assert.Equal(t, int64(0), client.Stats()["retries"])
}

func TestCallToUnreachableTarget(t *testing.T) {
	client, _ := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := client.Call(ctx, "127.0.0.1:1", &rpc.Request{
		ServiceName: "logic",
		MethodName:  rpc.HandleMessage,
		Payload:     envelopePayload(t, 1001, "s-1"),
	})
	assert.Error(t, err)
}

func TestStreamCallKeepsOrder(t *testing.T) {
	target, svc, _ := startBackend(t)
	client, _ := newTestClient(t)

	reqs := []*rpc.Request{
		{ServiceName: "logic", MethodName: rpc.HandleMessage, Payload: envelopePayload(t, 1001, "s-1")},
		{ServiceName: "logic", MethodName: rpc.HandleMessage, Payload: envelopePayload(t, 1002, "s-2")},
		{ServiceName: "logic", MethodName: rpc.HandleMessage, Payload: envelopePayload(t, 1003, "s-3")},
	}
	resps, err := client.StreamCall(context.Background(), target, reqs)
	require.NoError(t, err)
	require.Len(t, resps, 3)
	assert.Equal(t, int64(3), svc.Handled())

	for i, resp := range resps {
		var body struct {
			Sequence string `json:"sequence"`
		}
		require.NoError(t, json.Unmarshal(resp.Payload, &body))
		assert.Equal(t, []string{"s-1", "s-2", "s-3"}[i], body.Sequence)
	}
}

func TestHealthProber(t *testing.T) {
	target, _, healthSrv := startBackend(t)
	_, pool := newTestClient(t)
	probe := rpc.HealthProber(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, probe(ctx, target))

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Error(t, probe(ctx, target))
}

func TestChannelPoolStats(t *testing.T) {
	target, _, _ := startBackend(t)
	client, pool := newTestClient(t)

	_, err := client.Call(context.Background(), target, &rpc.Request{
		ServiceName: "logic",
		MethodName:  rpc.HandleMessage,
		Payload:     envelopePayload(t, 1001, "s-1"),
	})
	require.NoError(t, err)

	st := pool.Stats()
	assert.Equal(t, int64(1), st["created"])
}
