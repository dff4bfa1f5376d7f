package ring

import (
	"hash/fnv"
	"slices"
	"sort"
	"sync"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
)

type Hasher func([]byte) uint32

// HashRing places every node at its identifier. A key belongs to the group
// headed by the first node at or after the key's hash, wrapping at the origin.
type HashRing struct {
	mu     sync.RWMutex
	hash   Hasher
	points []uint32                // sorted
	owners map[uint32]cluster.Node // point -> node
}

func New(h Hasher) *HashRing {
	if h == nil {
		h = fnv32a
	}
	return &HashRing{
		hash:   h,
		owners: make(map[uint32]cluster.Node),
	}
}

// Add places n on the ring. It reports false when n is already present or its
// identifier collides with another node.
func (r *HashRing) Add(n cluster.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[n.Identifier]; ok {
		return false
	}
	r.owners[n.Identifier] = n
	r.points = append(r.points, n.Identifier)
	slices.Sort(r.points)
	return true
}

func (r *HashRing) Remove(n cluster.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[n.Identifier]; !ok || cur != n {
		return false
	}
	delete(r.owners, n.Identifier)
	idx, _ := slices.BinarySearch(r.points, n.Identifier)
	r.points = slices.Delete(r.points, idx, idx+1)
	return true
}

func (r *HashRing) Contains(n cluster.Node) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.owners[n.Identifier]
	return ok && cur == n
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// Clear drops every node.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = r.points[:0]
	clear(r.owners)
}

// Nodes returns all nodes in ring order.
func (r *HashRing) Nodes() []cluster.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.Node, len(r.points))
	for i, p := range r.points {
		out[i] = r.owners[p]
	}
	return out
}

// Lookup returns the header of the group owning key.
func (r *HashRing) Lookup(key []byte) (cluster.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return cluster.Node{}, false
	}
	return r.owners[r.points[r.search(r.hash(key))]], true
}

// LookupN returns up to n distinct nodes clockwise from key's position.
func (r *HashRing) LookupN(key []byte, n int) []cluster.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	return r.walk(r.search(r.hash(key)), n)
}

// GroupFor returns the partition group that owns key.
func (r *HashRing) GroupFor(key []byte, rf int) (*cluster.PartitionGroup, bool) {
	nodes := r.LookupN(key, rf)
	if len(nodes) == 0 {
		return nil, false
	}
	return cluster.MustPartitionGroup(rf, nodes...), true
}

// GroupHeadedBy returns the group whose header is h.
func (r *HashRing) GroupHeadedBy(h cluster.Node, rf int) (*cluster.PartitionGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := slices.BinarySearch(r.points, h.Identifier)
	if !ok || r.owners[h.Identifier] != h || rf <= 0 {
		return nil, false
	}
	return cluster.MustPartitionGroup(rf, r.walk(idx, rf)...), true
}

// GroupsContaining returns every group of size rf that n belongs to: the one
// it heads and the ones headed by its rf-1 predecessors.
func (r *HashRing) GroupsContaining(n cluster.Node, rf int) []*cluster.PartitionGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := slices.BinarySearch(r.points, n.Identifier)
	if !ok || r.owners[n.Identifier] != n || rf <= 0 {
		return nil
	}
	count := min(rf, len(r.points))
	out := make([]*cluster.PartitionGroup, 0, count)
	for back := range count {
		start := (idx - back + len(r.points)) % len(r.points)
		out = append(out, cluster.MustPartitionGroup(rf, r.walk(start, rf)...))
	}
	return out
}

// search returns the first point >= h, wrapping if needed. Caller holds mu.
func (r *HashRing) search(h uint32) int {
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) walk(start, n int) []cluster.Node {
	n = min(n, len(r.points))
	out := make([]cluster.Node, 0, n)
	for i := range n {
		out = append(out, r.owners[r.points[(start+i)%len(r.points)]])
	}
	return out
}

// KeyHash is the ring position of a series key.
func KeyHash(key []byte) uint32 { return fnv32a(key) }

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}
