package rpc

import (
	"context"
	"fmt"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthProber returns a probe function over the channel pool using the
// standard gRPC health service. Discovery plugs this in to flag instances
// unhealthy.
func HealthProber(pool *ChannelPool) func(ctx context.Context, target string) error {
	return func(ctx context.Context, target string) error {
		cc, err := pool.GetChannel(target)
		if err != nil {
			return err
		}
		resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("rpc: health status %s", resp.GetStatus())
		}
		return nil
	}
}
