package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

// JoinRequest asks the meta group to admit a node.
type JoinRequest struct {
	Node cluster.Node `json:"node"`
}

// JoinResponse reports the meta leader when the receiver could not accept.
type JoinResponse struct {
	Accepted bool         `json:"accepted"`
	Index    uint64       `json:"index"`
	Leader   cluster.Node `json:"leader"`
}

// WriteRequest appends points to a series owned by the group named by Header.
type WriteRequest struct {
	Header cluster.Node   `json:"header"`
	Series string         `json:"series"`
	Points []series.Point `json:"points"`
}

type WriteResponse struct {
	Index uint64 `json:"index"`
}

// QueryRequest reads [From, To] of a series from the receiver's replica.
type QueryRequest struct {
	Header cluster.Node `json:"header"`
	Series string       `json:"series"`
	From   int64        `json:"from"`
	To     int64        `json:"to"`
}

type QueryResponse struct {
	Points []series.Point `json:"points"`
}

// MetaServer is the control-plane contract, served on a node's meta port.
type MetaServer interface {
	RequestVote(context.Context, *raft.VoteRequest) (*raft.VoteResponse, error)
	AppendEntries(context.Context, *raft.AppendRequest) (*raft.AppendResponse, error)
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
}

// DataServer is the data-replication contract, served on a node's data port.
// Every request names its group, so one server handles every group the node
// belongs to.
type DataServer interface {
	RequestVote(context.Context, *raft.VoteRequest) (*raft.VoteResponse, error)
	AppendEntries(context.Context, *raft.AppendRequest) (*raft.AppendResponse, error)
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
}

const (
	metaService = "zephyrts.Meta"
	dataService = "zephyrts.Data"
)

func method(service, name string) string { return "/" + service + "/" + name }

// unary builds a method descriptor for a handler taking *Req and returning *Resp.
func unary[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := method(service, name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var metaServiceDesc = grpc.ServiceDesc{
	ServiceName: metaService,
	HandlerType: (*MetaServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(metaService, "RequestVote", MetaServer.RequestVote),
		unary(metaService, "AppendEntries", MetaServer.AppendEntries),
		unary(metaService, "Join", MetaServer.Join),
	},
	Metadata: "zephyrts/meta",
}

var dataServiceDesc = grpc.ServiceDesc{
	ServiceName: dataService,
	HandlerType: (*DataServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(dataService, "RequestVote", DataServer.RequestVote),
		unary(dataService, "AppendEntries", DataServer.AppendEntries),
		unary(dataService, "Write", DataServer.Write),
		unary(dataService, "Query", DataServer.Query),
	},
	Metadata: "zephyrts/data",
}

func RegisterMetaService(s grpc.ServiceRegistrar, srv MetaServer) {
	s.RegisterService(&metaServiceDesc, srv)
}

func RegisterDataService(s grpc.ServiceRegistrar, srv DataServer) {
	s.RegisterService(&dataServiceDesc, srv)
}
