// Package rpc implements the backend transport: request/response
// envelopes, the gRPC channel pool, per-target circuit breakers and the
// retrying client the dispatcher calls into.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Request is the envelope carried to backend services.
type Request struct {
	ServiceName string
	MethodName  string
	Payload     []byte
	Metadata    map[string]string
}

// Response is the backend reply. Code 0 is success; any other value is an
// application error whose semantics belong to the service.
type Response struct {
	Code    int32
	Message string
	Payload []byte
}

// RemoteError is a non-zero application response code surfaced as an error.
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error code=%d message=%q", e.Code, e.Message)
}

// Transport-level error kinds.
var (
	ErrCircuitOpen = errors.New("rpc: circuit open")
	ErrNoChannel   = errors.New("rpc: no ready channel for target")
	ErrTimeout     = errors.New("rpc: call timed out")
)

// IsRetryable classifies an error for the retry policy: transient
// transport failures and timeouts retry, application errors and fast-fail
// circuit rejections do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrNoChannel) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}
