package cluster

import (
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

// PartitionGroup is the ordered set of nodes replicating one shard of the ring.
// Element 0, the header, is the group's identity and never changes. Values are
// immutable: WithNode and Without return a new group.
type PartitionGroup struct {
	nodes    []Node
	capacity int
}

// AddResult describes the outcome of PartitionGroup.WithNode.
type AddResult struct {
	Added bool
	// Index is where the node landed; meaningful only when Added.
	Index int
	// Removed is the node pushed out of a full group, if any.
	Removed *Node
}

// NewPartitionGroup builds a group of the given capacity. nodes[0] becomes the
// header; the remaining nodes are expected in ring order starting from it.
func NewPartitionGroup(capacity int, nodes ...Node) (*PartitionGroup, error) {
	if capacity <= 0 {
		return nil, errors.Newf("partition group capacity must be positive, got %d", capacity)
	}
	if len(nodes) == 0 {
		return nil, errors.New("partition group needs at least a header")
	}
	if len(nodes) > capacity {
		return nil, errors.Newf("partition group has %d nodes, capacity is %d", len(nodes), capacity)
	}
	seen := make(map[Node]struct{}, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n]; dup {
			return nil, errors.Newf("duplicate node %s in partition group", n)
		}
		seen[n] = struct{}{}
	}
	return &PartitionGroup{nodes: append([]Node(nil), nodes...), capacity: capacity}, nil
}

// MustPartitionGroup is NewPartitionGroup for static inputs.
func MustPartitionGroup(capacity int, nodes ...Node) *PartitionGroup {
	g, err := NewPartitionGroup(capacity, nodes...)
	if err != nil {
		panic(err)
	}
	return g
}

// Header returns the group's permanent identity.
func (g *PartitionGroup) Header() Node { return g.nodes[0] }

// Tail returns the last node of the group.
func (g *PartitionGroup) Tail() Node { return g.nodes[len(g.nodes)-1] }

func (g *PartitionGroup) Len() int { return len(g.nodes) }
func (g *PartitionGroup) Capacity() int { return g.capacity }
func (g *PartitionGroup) Get(i int) Node { return g.nodes[i] }

// Nodes returns a copy of the member list.
func (g *PartitionGroup) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

func (g *PartitionGroup) IndexOf(n Node) int {
	for i, m := range g.nodes {
		if m == n {
			return i
		}
	}
	return -1
}

func (g *PartitionGroup) Contains(n Node) bool { return g.IndexOf(n) >= 0 }

// Wraps reports whether the group's range crosses the ring origin, i.e. the
// tail's identifier is numerically below the header's.
func (g *PartitionGroup) Wraps() bool {
	return g.Tail().Identifier < g.Header().Identifier
}

// distance is the clockwise ring distance from the header.
func (g *PartitionGroup) distance(n Node) uint32 {
	return n.Identifier - g.nodes[0].Identifier
}

// insertIndex returns the slot for n, always >= 1.
//
// Nodes inside the span [header, tail] go before the first member that is
// further from the header; equal distances keep existing members first. A node
// on the arc between tail and header is appended after the tail when it sorts
// numerically above the header, and otherwise would precede the header, so it
// is reseated at index 1. The second case covers every outer-arc node of a
// wrapping group.
func (g *PartitionGroup) insertIndex(n Node) int {
	d := g.distance(n)
	if d <= g.distance(g.Tail()) {
		for i := 1; i < len(g.nodes); i++ {
			if d < g.distance(g.nodes[i]) {
				return i
			}
		}
		return len(g.nodes)
	}
	if n.Identifier > g.Header().Identifier {
		return len(g.nodes)
	}
	return 1
}

// WithNode returns the group with n inserted. A full group pushes out its last
// node; if that is n itself the group is returned unchanged.
func (g *PartitionGroup) WithNode(n Node) (*PartitionGroup, AddResult) {
	if g.Contains(n) {
		return g, AddResult{}
	}
	idx := g.insertIndex(n)
	nodes := make([]Node, 0, len(g.nodes)+1)
	nodes = append(nodes, g.nodes[:idx]...)
	nodes = append(nodes, n)
	nodes = append(nodes, g.nodes[idx:]...)

	res := AddResult{Added: true, Index: idx}
	if len(nodes) > g.capacity {
		last := nodes[len(nodes)-1]
		if last == n {
			return g, AddResult{}
		}
		nodes = nodes[:len(nodes)-1]
		res.Removed = &last
	}
	return &PartitionGroup{nodes: nodes, capacity: g.capacity}, res
}

// Without returns the group with n removed. The header cannot be removed; a
// group losing its header is dismissed instead.
func (g *PartitionGroup) Without(n Node) (*PartitionGroup, bool) {
	idx := g.IndexOf(n)
	if idx <= 0 {
		return g, false
	}
	nodes := make([]Node, 0, len(g.nodes)-1)
	nodes = append(nodes, g.nodes[:idx]...)
	nodes = append(nodes, g.nodes[idx+1:]...)
	return &PartitionGroup{nodes: nodes, capacity: g.capacity}, true
}

// Equal reports whether both groups hold the same nodes in the same order.
func (g *PartitionGroup) Equal(o *PartitionGroup) bool {
	if g == nil || o == nil {
		return g == o
	}
	return g.capacity == o.capacity && slices.Equal(g.nodes, o.nodes)
}

// Quorum is the strict majority of the current membership.
func (g *PartitionGroup) Quorum() int {
	return len(g.nodes)/2 + 1
}

func (g *PartitionGroup) String() string {
	parts := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		parts[i] = n.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
