package rpc

import (
	"context"

	"github.com/cockroachdb/errors"
	circuit "github.com/rubyist/circuitbreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrPeerUnavailable means no connection to the peer could be made this
	// round, either because dialing failed or its breaker is open.
	ErrPeerUnavailable = errors.New("rpc: peer unavailable")

	ErrClosed = errors.New("rpc: client manager closed")
)

// IsTransportError reports whether err is a connection-level failure, as
// opposed to an error returned by the remote handler.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPeerUnavailable) || errors.Is(err, ErrClosed) ||
		errors.Is(err, circuit.ErrBreakerOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return true
		}
	}
	return false
}
