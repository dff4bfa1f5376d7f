package member

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

// Factory builds data group members that share one connection pool, one log
// store and one series store.
type Factory struct {
	clients   *rpc.DataClientFactory
	logs      LogStore
	store     *series.Store
	cfg       raft.Config
	clock     raft.Clock
	logger    *zap.Logger
	retention time.Duration
}

func NewFactory(pool *rpc.ClientManager, logs LogStore, store *series.Store, cfg raft.Config, clock raft.Clock, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		clients: rpc.NewDataClientFactory(pool),
		logs:    logs,
		store:   store,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
	}
}

// WithRetention makes members created afterwards expire series that long
// after their last write.
func (f *Factory) WithRetention(d time.Duration) *Factory {
	f.retention = d
	return f
}

// Create returns an unstarted member of group for thisNode.
func (f *Factory) Create(group *cluster.PartitionGroup, thisNode cluster.Node) (*DataGroupMember, error) {
	if group == nil {
		return nil, errors.New("member: nil group")
	}
	if !group.Contains(thisNode) {
		return nil, errors.Wrapf(ErrNotInGroup, "%s in %s", thisNode, group)
	}
	logs, err := f.logs.ForGroup(group.Header())
	if err != nil {
		return nil, errors.Wrapf(err, "log for %s", group.Header())
	}

	logger := f.logger.Named("data")
	processor := series.NewProcessor(f.store, f.retention, logger)
	rm, err := raft.NewMember(raft.Options{
		Config:    f.cfg,
		Self:      thisNode,
		Group:     group,
		Log:       logs,
		Connector: dataConnector{clients: f.clients},
		Applier:   processor,
		Clock:     f.clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	d := &DataGroupMember{Member: rm, processor: processor, logger: logger.With(zap.Stringer("group", group.Header()))}
	for _, n := range group.Nodes() {
		d.dataPortMap.Store(n, n.DataPort)
	}
	return d, nil
}

// Discard stops m and drops its log.
func (f *Factory) Discard(m *DataGroupMember) error {
	m.Stop()
	return f.logs.Drop(m.Header())
}
