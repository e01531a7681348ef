package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EnvSource reads instance lists from environment variables of the form
// <SERVICE>_SERVICES=host1:port1,host2:port2.
type EnvSource struct{}

// NewEnvSource builds the environment-variable source.
func NewEnvSource() *EnvSource { return &EnvSource{} }

func (s *EnvSource) ListInstances(_ context.Context, serviceType string) ([]*ServiceInstance, error) {
	raw := os.Getenv(strings.ToUpper(serviceType) + "_SERVICES")
	if raw == "" {
		return nil, nil
	}
	return parseAddrList(serviceType, raw)
}

func parseAddrList(serviceType, raw string) ([]*ServiceInstance, error) {
	parts := strings.Split(raw, ",")
	out := make([]*ServiceInstance, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			return nil, fmt.Errorf("discovery: bad address %q for %s: %w", part, serviceType, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("discovery: bad port %q for %s: %w", portStr, serviceType, err)
		}
		out = append(out, &ServiceInstance{
			ServiceName: serviceType,
			Host:        host,
			Port:        port,
			Weight:      1,
		})
	}
	return out, nil
}

// FileSource reads a static JSON file mapping service type to address
// lists: {"logic": ["10.0.0.1:9001"], "chat": [...]}. The file is re-read
// on every refresh, so edits take effect without a restart.
type FileSource struct {
	path string
}

// NewFileSource builds the static-file source.
func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

func (s *FileSource) ListInstances(_ context.Context, serviceType string) ([]*ServiceInstance, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", s.path, err)
	}
	var services map[string][]string
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("discovery: parse %s: %w", s.path, err)
	}
	addrs, ok := services[serviceType]
	if !ok {
		return nil, nil
	}
	return parseAddrList(serviceType, strings.Join(addrs, ","))
}

// NATSSource layers push announcements on top of a fallback source.
// Instances publish their full current list as JSON on
// discovery.<service>; the periodic refresh still polls the fallback.
type NATSSource struct {
	conn     *nats.Conn
	fallback Source
	logger   zerolog.Logger
}

// NewNATSSource connects to NATS and wraps the fallback source.
func NewNATSSource(url string, fallback Source, logger zerolog.Logger) (*NATSSource, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: nats connect: %w", err)
	}
	return &NATSSource{
		conn:     conn,
		fallback: fallback,
		logger:   logger.With().Str("component", "discovery_nats").Logger(),
	}, nil
}

func (s *NATSSource) ListInstances(ctx context.Context, serviceType string) ([]*ServiceInstance, error) {
	return s.fallback.ListInstances(ctx, serviceType)
}

// Watch subscribes to discovery.<service> and applies each announcement as
// the service's full instance set. Blocks until ctx is done.
func (s *NATSSource) Watch(ctx context.Context, serviceType string, apply func([]*ServiceInstance)) error {
	subject := "discovery." + serviceType
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		var list []*ServiceInstance
		if err := json.Unmarshal(msg.Data, &list); err != nil {
			s.logger.Warn().Str("subject", subject).Err(err).Msg("Bad discovery announcement")
			return
		}
		apply(list)
	})
	if err != nil {
		return fmt.Errorf("discovery: subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	<-ctx.Done()
	return nil
}

// Close drains the NATS connection.
func (s *NATSSource) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
	}
}
