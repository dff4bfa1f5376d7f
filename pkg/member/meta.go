package member

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
)

// joinCommand is the payload of a meta log entry admitting a node.
type joinCommand struct {
	Node cluster.Node `json:"node"`
}

// MetaOptions configures a MetaGroupMember.
type MetaOptions struct {
	Config  raft.Config
	Self    cluster.Node
	Group   *cluster.PartitionGroup
	Log     raft.LogManager
	Clients *rpc.MetaClientFactory
	// OnJoin runs for every committed join, in log order, on every member.
	OnJoin func(cluster.Node)
	Clock  raft.Clock
	Logger *zap.Logger
}

// MetaGroupMember replicates cluster membership across every node, over the
// control-plane contract.
type MetaGroupMember struct {
	*raft.Member

	onJoin func(cluster.Node)
	logger *zap.Logger
}

func NewMetaGroupMember(opts MetaOptions) (*MetaGroupMember, error) {
	if opts.Clients == nil {
		return nil, errors.New("member: meta client factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &MetaGroupMember{onJoin: opts.OnJoin, logger: opts.Logger}
	rm, err := raft.NewMember(raft.Options{
		Config:    opts.Config,
		Self:      opts.Self,
		Group:     opts.Group,
		Log:       opts.Log,
		Connector: metaConnector{clients: opts.Clients},
		Applier:   raft.ApplierFunc(m.apply),
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.Member = rm
	return m, nil
}

// ProposeJoin replicates the admission of n and returns once it is applied
// locally.
func (m *MetaGroupMember) ProposeJoin(ctx context.Context, n cluster.Node) (uint64, error) {
	if n.IsZero() {
		return 0, errors.New("member: cannot admit a zero node")
	}
	data, err := json.Marshal(joinCommand{Node: n})
	if err != nil {
		return 0, errors.Wrap(err, "encoding join")
	}
	return m.Propose(ctx, data)
}

// AddNode grows the meta group. The meta group is never full.
func (m *MetaGroupMember) AddNode(n cluster.Node) bool {
	var added bool
	m.UpdateNodes(func(g *cluster.PartitionGroup) (*cluster.PartitionGroup, bool) {
		next, r := g.WithNode(n)
		added = r.Added
		return next, r.Added
	})
	return added
}

func (m *MetaGroupMember) apply(e raft.Entry) {
	var cmd joinCommand
	if err := json.Unmarshal(e.Data, &cmd); err != nil {
		m.logger.Warn("skipping undecodable meta entry", zap.Uint64("index", e.Index), zap.Error(err))
		return
	}
	if m.onJoin != nil {
		m.onJoin(cmd.Node)
	}
}
