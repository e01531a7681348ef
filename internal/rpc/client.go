package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
)

// ClientOptions configures call timeouts and the retry policy.
type ClientOptions struct {
	DefaultTimeout time.Duration // per-call deadline (default 3s)
	MaxRetries     int           // retries beyond the first attempt (default 3)
	RetryDelay     time.Duration // linear backoff unit (default 1s)

	// Metrics is optional; nil disables Prometheus instrumentation.
	Metrics *metrics.Registry
}

func (o *ClientOptions) applyDefaults() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 3 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// Client sends envelopes to backend targets through the channel pool,
// guarded by per-target circuit breakers, retrying transient failures with
// linear backoff.
type Client struct {
	pool     *ChannelPool
	breakers *BreakerGroup
	opts     ClientOptions
	logger   zerolog.Logger

	calls    atomic.Int64
	failures atomic.Int64
	retries  atomic.Int64
	timeouts atomic.Int64
}

// NewClient wires the client to its pool and breakers.
func NewClient(pool *ChannelPool, breakers *BreakerGroup, opts ClientOptions, logger zerolog.Logger) *Client {
	opts.applyDefaults()
	return &Client{
		pool:     pool,
		breakers: breakers,
		opts:     opts,
		logger:   logger.With().Str("component", "rpc_client").Logger(),
	}
}

// Call sends one request to target and waits for the response. Transient
// transport errors are retried up to MaxRetries with backoff
// RetryDelay*attempt; application errors (Response.Code != 0) surface as
// *RemoteError without retries.
func (c *Client) Call(ctx context.Context, target string, req *Request) (*Response, error) {
	c.calls.Add(1)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			if m := c.opts.Metrics; m != nil {
				m.RPCRetries.Inc()
			}
			backoff := time.Duration(attempt) * c.opts.RetryDelay
			select {
			case <-ctx.Done():
				c.failures.Add(1)
				c.observe(req.ServiceName, "canceled", start)
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.callOnce(ctx, target, req)
		if err == nil {
			c.observe(req.ServiceName, "ok", start)
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
		c.logger.Debug().
			Str("target", target).
			Str("service", req.ServiceName).
			Int("attempt", attempt).
			Err(err).
			Msg("Retryable RPC failure")
	}

	c.failures.Add(1)
	c.observe(req.ServiceName, "error", start)
	return nil, lastErr
}

func (c *Client) observe(service, outcome string, start time.Time) {
	if m := c.opts.Metrics; m != nil {
		m.RPCCalls.WithLabelValues(service, outcome).Inc()
		m.RPCLatency.Observe(time.Since(start).Seconds())
	}
}

func (c *Client) callOnce(ctx context.Context, target string, req *Request) (*Response, error) {
	cc, err := c.pool.GetChannel(target)
	if err != nil {
		return nil, err
	}

	resp := new(Response)
	breaker := c.breakers.For(target)
	err = breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.DefaultTimeout)
		defer cancel()
		return cc.Invoke(callCtx, MethodInvoke, req, resp, grpc.ForceCodec(Codec{}))
	})
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			c.timeouts.Add(1)
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, target, req.MethodName)
		}
		return nil, err
	}
	if resp.Code != 0 {
		// The target answered; an application error is not a transport
		// failure and must not trip the breaker or retry.
		return nil, &RemoteError{Code: resp.Code, Message: resp.Message}
	}
	return resp, nil
}

// StreamCall sends the requests over one bidi stream and collects the
// responses in order. The aggregate deadline is DefaultTimeout times the
// batch size.
func (c *Client) StreamCall(ctx context.Context, target string, reqs []*Request) ([]*Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	c.calls.Add(1)

	cc, err := c.pool.GetChannel(target)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.opts.DefaultTimeout*time.Duration(len(reqs)))
	defer cancel()

	var resps []*Response
	breaker := c.breakers.For(target)
	err = breaker.Execute(func() error {
		stream, err := cc.NewStream(streamCtx, invokeStreamDesc, MethodInvokeStream, grpc.ForceCodec(Codec{}))
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if err := stream.SendMsg(req); err != nil {
				return err
			}
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		resps = make([]*Response, 0, len(reqs))
		for range reqs {
			resp := new(Response)
			if err := stream.RecvMsg(resp); err != nil {
				return err
			}
			resps = append(resps, resp)
		}
		return nil
	})
	if err != nil {
		c.failures.Add(1)
		if status.Code(err) == codes.DeadlineExceeded {
			c.timeouts.Add(1)
			return nil, fmt.Errorf("%w: stream to %s", ErrTimeout, target)
		}
		return nil, err
	}
	return resps, nil
}

// Stats reports client counters.
func (c *Client) Stats() map[string]any {
	return map[string]any{
		"calls":    c.calls.Load(),
		"failures": c.failures.Load(),
		"retries":  c.retries.Load(),
		"timeouts": c.timeouts.Load(),
	}
}
