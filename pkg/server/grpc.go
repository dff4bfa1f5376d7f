package server

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/member"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

// toStatus maps member errors onto gRPC codes so that callers can tell
// "try the leader" from "the group is gone".
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, raft.ErrLeadershipLost):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, raft.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, series.ErrEmptyWrite):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

type metaService struct{ s *Server }

var _ rpc.MetaServer = metaService{}

func (m metaService) RequestVote(_ context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	return m.s.meta.HandleRequestVote(req), nil
}

func (m metaService) AppendEntries(_ context.Context, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	return m.s.meta.HandleAppendEntries(req), nil
}

// Join proposes the node when this member leads the meta group and points the
// caller at the leader otherwise.
func (m metaService) Join(ctx context.Context, req *rpc.JoinRequest) (*rpc.JoinResponse, error) {
	if req.Node.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "empty node")
	}
	if !m.s.meta.IsLeader() {
		leader, _ := m.s.meta.Leader()
		return &rpc.JoinResponse{Leader: leader}, nil
	}
	idx, err := m.s.meta.ProposeJoin(ctx, req.Node)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.JoinResponse{Accepted: true, Index: idx, Leader: m.s.self}, nil
}

// dataService routes every call to the member of the group named in the
// request header.
type dataService struct{ s *Server }

var _ rpc.DataServer = dataService{}

func (d dataService) member(header cluster.Node) (*member.DataGroupMember, error) {
	m := d.s.Member(header)
	if m == nil {
		return nil, status.Errorf(codes.NotFound, "no group headed by %s here", header)
	}
	return m, nil
}

func (d dataService) RequestVote(_ context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	m, err := d.member(req.Header)
	if err != nil {
		return nil, err
	}
	return m.HandleRequestVote(req), nil
}

func (d dataService) AppendEntries(_ context.Context, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	m, err := d.member(req.Header)
	if err != nil {
		return nil, err
	}
	return m.HandleAppendEntries(req), nil
}

func (d dataService) Write(ctx context.Context, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
	m, err := d.member(req.Header)
	if err != nil {
		return nil, err
	}
	idx, err := m.Write(ctx, req.Series, req.Points)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.WriteResponse{Index: idx}, nil
}

func (d dataService) Query(_ context.Context, req *rpc.QueryRequest) (*rpc.QueryResponse, error) {
	m, err := d.member(req.Header)
	if err != nil {
		return nil, err
	}
	points, ok := m.Query(req.Series, req.From, req.To)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no series %q", req.Series)
	}
	return &rpc.QueryResponse{Points: points}, nil
}
