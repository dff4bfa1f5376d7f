package member

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

func node(id uint32) cluster.Node {
	return cluster.NewNode("10.0.0.1", 9000+int(id), 40000+int(id), id)
}

func testConfig() raft.Config {
	return raft.Config{
		HeartbeatInterval:  100 * time.Millisecond,
		ElectionTimeoutMin: time.Second,
		ElectionTimeoutMax: time.Second,
		RPCTimeout:         time.Second,
		MaxAppendEntries:   16,
	}
}

// deadPool never reaches anyone.
func deadPool(t *testing.T) *rpc.ClientManager {
	t.Helper()
	pool := rpc.NewClientManager(rpc.PoolConfig{ConnectTimeout: 200 * time.Millisecond, BreakerThreshold: 100}, nil,
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("network down")
		}))
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func newFactory(t *testing.T, clock raft.Clock) (*Factory, *MemoryLogStore) {
	t.Helper()
	logs := NewMemoryLogStore()
	t.Cleanup(func() { _ = logs.Close() })
	return NewFactory(deadPool(t), logs, series.NewStore(0), testConfig(), clock, nil), logs
}

func create(t *testing.T, f *Factory, group *cluster.PartitionGroup, self cluster.Node) *DataGroupMember {
	t.Helper()
	m, err := f.Create(group, self)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestCreateRequiresMembership(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	group := cluster.MustPartitionGroup(3, node(10), node(20))

	_, err := f.Create(group, node(30))
	require.ErrorIs(t, err, ErrNotInGroup)

	_, err = f.Create(nil, node(10))
	require.Error(t, err)
}

func TestCreateFailsWithoutLog(t *testing.T) {
	f, logs := newFactory(t, raft.NewManualClock())
	require.NoError(t, logs.Close())

	_, err := f.Create(cluster.MustPartitionGroup(3, node(10)), node(10))
	require.ErrorIs(t, err, ErrLogStoreClosed)
}

func TestNewMemberIsUnstartedFollower(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(3, node(10), node(20), node(30)), node(20))

	assert.Equal(t, node(10), m.Header())
	assert.Equal(t, raft.Follower, m.Role())
	_, known := m.Leader()
	assert.False(t, known)
	for _, n := range m.Nodes() {
		port, ok := m.DataPort(n)
		require.True(t, ok)
		assert.Equal(t, n.DataPort, port)
	}
}

func TestAddNodeKeepsRingOrder(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(4, node(10), node(20), node(30)), node(10))

	res := m.AddNode(node(25))
	assert.Equal(t, AddResult{Added: true}, res)
	assert.Equal(t, []cluster.Node{node(10), node(20), node(25), node(30)}, m.Nodes())
	port, ok := m.DataPort(node(25))
	require.True(t, ok)
	assert.Equal(t, 40025, port)

	assert.Equal(t, AddResult{}, m.AddNode(node(25)), "duplicate add is a no-op")
	assert.Equal(t, node(10), m.Header())
}

func TestAddNodeToFullGroupPushesOutLast(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(3, node(10), node(20), node(30)), node(10))

	res := m.AddNode(node(15))
	require.True(t, res.Added)
	require.NotNil(t, res.Removed)
	assert.Equal(t, node(30), *res.Removed)
	assert.False(t, res.SelfRemoved)
	assert.Equal(t, []cluster.Node{node(10), node(15), node(20)}, m.Nodes())
	_, ok := m.DataPort(node(30))
	assert.False(t, ok)

	// a node that would land last in a full group stays out
	assert.Equal(t, AddResult{}, m.AddNode(node(40)))
	assert.Equal(t, 3, m.Group().Len())
}

func TestAddNodeReportsSelfRemoval(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(3, node(10), node(20), node(30)), node(30))

	res := m.AddNode(node(15))
	require.True(t, res.Added)
	assert.True(t, res.SelfRemoved)
}

func TestAddNodeOuterArcOfWrappingGroup(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(4, node(100), node(200), node(50)), node(100))

	require.True(t, m.AddNode(node(70)).Added)
	assert.Equal(t, []cluster.Node{node(100), node(70), node(200), node(50)}, m.Nodes())
}

func TestReconcileReplacesView(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(3, node(200), node(50), node(300)), node(200))

	want := cluster.MustPartitionGroup(3, node(200), node(300), node(400))
	require.True(t, m.Reconcile(want))
	assert.Equal(t, want.Nodes(), m.Nodes())
	_, ok := m.DataPort(node(50))
	assert.False(t, ok)
	port, ok := m.DataPort(node(400))
	require.True(t, ok)
	assert.Equal(t, node(400).DataPort, port)

	assert.False(t, m.Reconcile(want), "same view")
	assert.False(t, m.Reconcile(cluster.MustPartitionGroup(3, node(300), node(200))), "other header")
	assert.False(t, m.Reconcile(nil))
	assert.Equal(t, want.Nodes(), m.Nodes())
}

func TestRemoveNode(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(3, node(10), node(20), node(30)), node(10))

	assert.False(t, m.RemoveNode(node(10)), "header stays")
	assert.False(t, m.RemoveNode(node(99)))
	assert.True(t, m.RemoveNode(node(20)))
	assert.Equal(t, []cluster.Node{node(10), node(30)}, m.Nodes())
	_, ok := m.DataPort(node(20))
	assert.False(t, ok)
}

func TestGetAsyncClient(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(3, node(10), node(20)), node(10))

	assert.Nil(t, m.GetAsyncClient(node(10)), "no client for self")
	assert.Nil(t, m.GetAsyncClient(node(20)), "unreachable peer yields nil")
}

func TestConcurrentAddsAreSerialized(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(64, node(1)), node(1))

	var wg sync.WaitGroup
	for i := uint32(2); i <= 40; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			m.AddNode(node(id))
		}(i)
	}
	wg.Wait()

	nodes := m.Nodes()
	require.Len(t, nodes, 40)
	for i, n := range nodes {
		assert.Equal(t, uint32(i+1), n.Identifier)
	}
}

func startLeader(t *testing.T, clock *raft.ManualClock, m interface {
	Start(context.Context) error
	IsLeader() bool
}) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		clock.Advance(2 * time.Second)
		return m.IsLeader()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSingleNodeGroupWritesAndReads(t *testing.T) {
	clock := raft.NewManualClock()
	f, _ := newFactory(t, clock)
	m := create(t, f, cluster.MustPartitionGroup(3, node(10)), node(10))
	startLeader(t, clock, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	idx, err := m.Write(ctx, "cpu", []series.Point{{Timestamp: 2, Value: 0.2}, {Timestamp: 1, Value: 0.1}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx, "the election noop takes index 1")

	got, ok := m.Query("cpu", 0, 10)
	require.True(t, ok)
	assert.Equal(t, []series.Point{{Timestamp: 1, Value: 0.1}, {Timestamp: 2, Value: 0.2}}, got)
}

func TestWriteOnFollowerFails(t *testing.T) {
	f, _ := newFactory(t, raft.NewManualClock())
	m := create(t, f, cluster.MustPartitionGroup(3, node(10), node(20)), node(20))

	_, err := m.Write(context.Background(), "cpu", []series.Point{{Timestamp: 1}})
	require.ErrorIs(t, err, raft.ErrNotLeader)

	_, err = m.Write(context.Background(), "", []series.Point{{Timestamp: 1}})
	require.ErrorIs(t, err, series.ErrEmptyWrite)
}

func TestRecreatedMemberKeepsLog(t *testing.T) {
	clock := raft.NewManualClock()
	f, _ := newFactory(t, clock)
	group := cluster.MustPartitionGroup(3, node(10))

	m := create(t, f, group, node(10))
	startLeader(t, clock, m)
	term := m.Term()
	m.Stop()

	again := create(t, f, group, node(10))
	assert.Equal(t, term, again.Term())
	assert.Equal(t, uint64(1), again.Log().LastIndex())
}

func TestDiscardDropsLog(t *testing.T) {
	f, logs := newFactory(t, raft.NewManualClock())
	group := cluster.MustPartitionGroup(3, node(10))
	m := create(t, f, group, node(10))
	before := m.Log()

	require.NoError(t, f.Discard(m))
	after, err := logs.ForGroup(group.Header())
	require.NoError(t, err)
	assert.NotSame(t, before, after)
}

func TestMetaMemberAppliesJoins(t *testing.T) {
	clock := raft.NewManualClock()
	logs := NewMemoryLogStore()
	t.Cleanup(func() { _ = logs.Close() })
	log, err := logs.ForGroup(node(1))
	require.NoError(t, err)

	var mu sync.Mutex
	var joined []cluster.Node
	m, err := NewMetaGroupMember(MetaOptions{
		Config:  testConfig(),
		Self:    node(1),
		Group:   cluster.MustPartitionGroup(16, node(1)),
		Log:     log,
		Clients: rpc.NewMetaClientFactory(deadPool(t)),
		OnJoin: func(n cluster.Node) {
			mu.Lock()
			defer mu.Unlock()
			joined = append(joined, n)
		},
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	startLeader(t, clock, m)

	_, err = m.ProposeJoin(context.Background(), cluster.Node{})
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = m.ProposeJoin(ctx, node(7))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []cluster.Node{node(7)}, joined)
	mu.Unlock()

	assert.True(t, m.AddNode(node(7)))
	assert.False(t, m.AddNode(node(7)))
	assert.Equal(t, 2, m.Group().Len())
}

func TestNewMetaMemberRequiresClients(t *testing.T) {
	_, err := NewMetaGroupMember(MetaOptions{Config: testConfig(), Self: node(1), Group: cluster.MustPartitionGroup(4, node(1))})
	require.Error(t, err)
}
