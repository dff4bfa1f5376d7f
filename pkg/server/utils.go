package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

var errNoSeries = errors.New("series not found")

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// httpStatus picks the response code for a failed series request.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errNoSeries):
		return http.StatusNotFound
	case errors.Is(err, ErrNoLeader), errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrStopped), errors.Is(err, raft.ErrLeadershipLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, series.ErrEmptyWrite):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if st, ok := status.FromError(errors.UnwrapAll(err)); ok {
		switch st.Code() {
		case codes.NotFound:
			return http.StatusNotFound
		case codes.FailedPrecondition, codes.Aborted:
			return http.StatusServiceUnavailable
		case codes.InvalidArgument:
			return http.StatusBadRequest
		case codes.DeadlineExceeded:
			return http.StatusGatewayTimeout
		}
	}
	if rpc.IsTransportError(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
