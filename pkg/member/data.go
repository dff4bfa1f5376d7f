package member

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

// ErrNotInGroup is returned when a member is requested for a group that does
// not contain the local node.
var ErrNotInGroup = errors.New("member: node is not in group")

// AddResult reports what AddNode did to the group.
type AddResult struct {
	Added bool
	// Removed is the node pushed out of a full group.
	Removed *cluster.Node
	// SelfRemoved is set when the local node was pushed out; the owner must
	// stop and discard the member.
	SelfRemoved bool
}

// DataGroupMember replicates the writes of one data group. Consensus comes
// from the embedded raft member bound to the data contract; committed writes
// are executed by the group's series processor.
type DataGroupMember struct {
	*raft.Member

	processor *series.Processor
	logger    *zap.Logger

	// cluster.Node -> data port of every node in the group
	dataPortMap sync.Map
}

// GetAsyncClient returns a data-contract client for n, or nil for this node
// or a peer that cannot be reached now.
func (d *DataGroupMember) GetAsyncClient(n cluster.Node) raft.Client {
	return d.ConnectNode(n)
}

// AddNode places n in the group by ring distance from the header. A full
// group pushes out its last node.
func (d *DataGroupMember) AddNode(n cluster.Node) AddResult {
	var res cluster.AddResult
	d.UpdateNodes(func(g *cluster.PartitionGroup) (*cluster.PartitionGroup, bool) {
		next, r := g.WithNode(n)
		res = r
		return next, r.Added
	})
	if !res.Added {
		return AddResult{}
	}
	d.dataPortMap.Store(n, n.DataPort)

	out := AddResult{Added: true, Removed: res.Removed}
	if res.Removed != nil {
		d.dataPortMap.Delete(*res.Removed)
		out.SelfRemoved = *res.Removed == d.Self()
		d.logger.Info("node pushed out of group", zap.Stringer("node", *res.Removed))
	}
	return out
}

// Reconcile replaces the group's view with g, which must have the same header
// and contain the local node. It reports whether the view changed.
func (d *DataGroupMember) Reconcile(g *cluster.PartitionGroup) bool {
	if g == nil || g.Header() != d.Header() || !g.Contains(d.Self()) {
		return false
	}
	var prev *cluster.PartitionGroup
	d.UpdateNodes(func(cur *cluster.PartitionGroup) (*cluster.PartitionGroup, bool) {
		prev = cur
		return g, !cur.Equal(g)
	})
	if prev.Equal(g) {
		return false
	}
	for _, n := range prev.Nodes() {
		if !g.Contains(n) {
			d.dataPortMap.Delete(n)
		}
	}
	for _, n := range g.Nodes() {
		d.dataPortMap.Store(n, n.DataPort)
	}
	d.logger.Info("group view replaced", zap.Stringer("from", prev), zap.Stringer("to", g))
	return true
}

// RemoveNode takes a non-header node out of the group.
func (d *DataGroupMember) RemoveNode(n cluster.Node) bool {
	var removed bool
	d.UpdateNodes(func(g *cluster.PartitionGroup) (*cluster.PartitionGroup, bool) {
		next, ok := g.Without(n)
		removed = ok
		return next, ok
	})
	if removed {
		d.dataPortMap.Delete(n)
	}
	return removed
}

// DataPort returns the data port recorded for n when it was added.
func (d *DataGroupMember) DataPort(n cluster.Node) (int, bool) {
	v, ok := d.dataPortMap.Load(n)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// Write replicates points of one series and returns once they are applied
// locally. Only the leader accepts writes.
func (d *DataGroupMember) Write(ctx context.Context, name string, points []series.Point) (uint64, error) {
	data, err := series.EncodeWrite(name, points)
	if err != nil {
		return 0, err
	}
	return d.Propose(ctx, data)
}

// Query reads the local replica.
func (d *DataGroupMember) Query(name string, from, to int64) ([]series.Point, bool) {
	return d.processor.Query(name, from, to)
}
