package rpc

import (
	"context"

	circuit "github.com/rubyist/circuitbreaker"
	"google.golang.org/grpc"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
)

// peer is a connection to one address plus its breaker.
type peer struct {
	addr string
	cc   *grpc.ClientConn
	br   *circuit.Breaker
}

func (p peer) Addr() string { return p.addr }

func (p peer) call(ctx context.Context, fullMethod string, req, resp any) error {
	return invoke(ctx, p.cc, p.br, fullMethod, req, resp)
}

// callAsync runs a call on its own goroutine and hands the result to done.
func callAsync[Resp any](p peer, ctx context.Context, fullMethod string, req any, done func(*Resp, error)) {
	go func() {
		resp := new(Resp)
		if err := p.call(ctx, fullMethod, req, resp); err != nil {
			done(nil, err)
			return
		}
		done(resp, nil)
	}()
}

// MetaClient talks the control-plane contract.
type MetaClient struct{ peer }

var _ raft.Client = (*MetaClient)(nil)

func (c *MetaClient) RequestVote(ctx context.Context, req *raft.VoteRequest, done func(*raft.VoteResponse, error)) {
	callAsync(c.peer, ctx, method(metaService, "RequestVote"), req, done)
}

func (c *MetaClient) AppendEntries(ctx context.Context, req *raft.AppendRequest, done func(*raft.AppendResponse, error)) {
	callAsync(c.peer, ctx, method(metaService, "AppendEntries"), req, done)
}

func (c *MetaClient) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	resp := new(JoinResponse)
	if err := c.call(ctx, method(metaService, "Join"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DataClient talks the data-replication contract.
type DataClient struct{ peer }

var _ raft.Client = (*DataClient)(nil)

func (c *DataClient) RequestVote(ctx context.Context, req *raft.VoteRequest, done func(*raft.VoteResponse, error)) {
	callAsync(c.peer, ctx, method(dataService, "RequestVote"), req, done)
}

func (c *DataClient) AppendEntries(ctx context.Context, req *raft.AppendRequest, done func(*raft.AppendResponse, error)) {
	callAsync(c.peer, ctx, method(dataService, "AppendEntries"), req, done)
}

func (c *DataClient) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	resp := new(WriteResponse)
	if err := c.call(ctx, method(dataService, "Write"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *DataClient) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	resp := new(QueryResponse)
	if err := c.call(ctx, method(dataService, "Query"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// MetaClientFactory builds control-plane clients against a node's meta port.
type MetaClientFactory struct {
	pool *ClientManager
}

func NewMetaClientFactory(pool *ClientManager) *MetaClientFactory {
	return &MetaClientFactory{pool: pool}
}

func (f *MetaClientFactory) Client(ctx context.Context, n cluster.Node) (*MetaClient, error) {
	addr := n.MetaAddr()
	cc, br, err := f.pool.Conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &MetaClient{peer{addr: addr, cc: cc, br: br}}, nil
}

// Release drops the connection behind c after a transport failure.
func (f *MetaClientFactory) Release(c *MetaClient) { f.pool.Discard(c.addr, c.cc) }

// DataClientFactory builds data-plane clients against a node's data port.
type DataClientFactory struct {
	pool *ClientManager
}

func NewDataClientFactory(pool *ClientManager) *DataClientFactory {
	return &DataClientFactory{pool: pool}
}

func (f *DataClientFactory) Client(ctx context.Context, n cluster.Node) (*DataClient, error) {
	addr := n.DataAddr()
	cc, br, err := f.pool.Conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &DataClient{peer{addr: addr, cc: cc, br: br}}, nil
}

// Release drops the connection behind c after a transport failure.
func (f *DataClientFactory) Release(c *DataClient) { f.pool.Discard(c.addr, c.cc) }
