// Package backend implements the service side of the knighthero.Backend
// contract. The gateway's logic/chat/fight peers embed Service; the
// simulator in cmd/backendsim runs it standalone.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/rpc"
)

// Response codes returned by the simulator.
const (
	codeOK          int32 = 0
	codeBadEnvelope int32 = 400
	codeBadMethod   int32 = 404
)

// Service answers HandleMessage calls by echoing the business envelope.
// It stands in for a real logic/chat/fight implementation.
type Service struct {
	name   string
	logger zerolog.Logger

	handled atomic.Int64
	failed  atomic.Int64
}

// NewService builds a simulator service for one service type.
func NewService(name string, logger zerolog.Logger) *Service {
	return &Service{
		name:   name,
		logger: logger.With().Str("component", "backend").Str("backend_service", name).Logger(),
	}
}

// Invoke handles one forwarded envelope.
func (s *Service) Invoke(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
	if req.MethodName != rpc.HandleMessage {
		s.failed.Add(1)
		return &rpc.Response{Code: codeBadMethod, Message: "unknown method " + req.MethodName}, nil
	}

	env, err := protocol.DecodeBusiness(req.Payload)
	if err != nil {
		s.failed.Add(1)
		return &rpc.Response{Code: codeBadEnvelope, Message: "malformed envelope"}, nil
	}

	s.handled.Add(1)
	s.logger.Debug().
		Int32("msg_id", env.MsgID).
		Str("player_id", env.PlayerID).
		Msg("Envelope handled")

	body, err := json.Marshal(map[string]any{
		"msg_id":     -env.MsgID,
		"sequence":   env.Sequence,
		"player_id":  env.PlayerID,
		"handled_by": s.name,
		"echo":       env.Body,
		"handled_at": time.Now().UnixMilli(),
	})
	if err != nil {
		return &rpc.Response{Code: codeBadEnvelope, Message: "encode failed"}, nil
	}
	return &rpc.Response{Code: codeOK, Payload: body}, nil
}

// InvokeStream applies Invoke to each streamed request in order.
func (s *Service) InvokeStream(stream rpc.BackendInvokeStream) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		resp, err := s.Invoke(stream.Context(), req)
		if err != nil {
			return err
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

// Handled returns the number of successfully processed envelopes.
func (s *Service) Handled() int64 { return s.handled.Load() }

// Server hosts a Service plus the standard gRPC health service.
type Server struct {
	addr    string
	service *Service
	logger  zerolog.Logger

	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer builds a backend server on addr.
func NewServer(addr string, service *Service, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		service: service,
		logger:  logger.With().Str("component", "backend_server").Logger(),
	}
}

// Start listens and serves in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer()
	rpc.RegisterBackendServer(s.grpcServer, s.service)

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	go func() {
		defer logging.RecoverPanic(s.logger, "grpc_serve")
		if err := s.grpcServer.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()
	s.logger.Info().Str("addr", s.addr).Msg("Backend listening")
	return nil
}

// Stop drains in-flight calls and shuts the server down.
func (s *Server) Stop() {
	if s.health != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
