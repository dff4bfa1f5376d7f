package member

import (
	"context"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
)

// dataConnector binds a member to the data-replication contract.
type dataConnector struct {
	clients *rpc.DataClientFactory
}

func (c dataConnector) Connect(ctx context.Context, n cluster.Node) (raft.Client, error) {
	cl, err := c.clients.Client(ctx, n)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// Release gives the pooled connection back only on transport failures. The
// connection is shared by every group talking to n, so an error answered by
// the peer must not close it.
func (c dataConnector) Release(_ cluster.Node, cl raft.Client, err error) {
	if dc, ok := cl.(*rpc.DataClient); ok && rpc.IsTransportError(err) {
		c.clients.Release(dc)
	}
}

func (c dataConnector) Contract() string { return "data" }

// metaConnector binds a member to the control-plane contract.
type metaConnector struct {
	clients *rpc.MetaClientFactory
}

func (c metaConnector) Connect(ctx context.Context, n cluster.Node) (raft.Client, error) {
	cl, err := c.clients.Client(ctx, n)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (c metaConnector) Release(_ cluster.Node, cl raft.Client, err error) {
	if mc, ok := cl.(*rpc.MetaClient); ok && rpc.IsTransportError(err) {
		c.clients.Release(mc)
	}
}

func (c metaConnector) Contract() string { return "meta" }
