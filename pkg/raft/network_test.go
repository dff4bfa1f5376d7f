package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
)

var errUnreachable = errors.New("test: peer unreachable")

type link struct {
	from, to cluster.Node
}

type release struct {
	from, to cluster.Node
	err      error
}

type voteCall struct {
	from, to cluster.Node
	term     uint64
}

// network routes calls between members in memory. Calls complete
// synchronously, so with synchronous dispatch a tick runs to completion before
// returning.
type network struct {
	mu          sync.Mutex
	members     map[cluster.Node]*Member
	dropAppend  map[link]bool
	dropVote    map[link]bool
	down        map[cluster.Node]bool
	votes       []voteCall
	appendFails map[link]int
	dials       map[link]int
	releases    []release
}

func newNetwork() *network {
	return &network{
		members:     make(map[cluster.Node]*Member),
		dropAppend:  make(map[link]bool),
		dropVote:    make(map[link]bool),
		down:        make(map[cluster.Node]bool),
		appendFails: make(map[link]int),
		dials:       make(map[link]int),
	}
}

func (n *network) connector(self cluster.Node) *memConnector {
	return &memConnector{net: n, self: self}
}

func (n *network) member(node cluster.Node) *Member {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.members[node]
}

func (n *network) setDropAppend(from, to cluster.Node, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropAppend[link{from, to}] = drop
}

func (n *network) setDropVote(from, to cluster.Node, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropVote[link{from, to}] = drop
}

func (n *network) released() []release {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]release(nil), n.releases...)
}

func (n *network) voteCalls() []voteCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]voteCall(nil), n.votes...)
}

type memConnector struct {
	net  *network
	self cluster.Node
}

func (c *memConnector) Connect(_ context.Context, to cluster.Node) (Client, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.dials[link{c.self, to}]++
	if c.net.down[to] {
		return nil, errUnreachable
	}
	return &memClient{net: c.net, from: c.self, to: to}, nil
}

func (c *memConnector) Release(n cluster.Node, _ Client, err error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.releases = append(c.net.releases, release{from: c.self, to: n, err: err})
}

func (c *memConnector) Contract() string { return "test" }

type memClient struct {
	net      *network
	from, to cluster.Node
}

func (c *memClient) RequestVote(_ context.Context, req *VoteRequest, done func(*VoteResponse, error)) {
	c.net.mu.Lock()
	c.net.votes = append(c.net.votes, voteCall{from: c.from, to: c.to, term: req.Term})
	drop := c.net.dropVote[link{c.from, c.to}] || c.net.down[c.to]
	target := c.net.members[c.to]
	c.net.mu.Unlock()
	if drop || target == nil {
		done(nil, errUnreachable)
		return
	}
	done(target.HandleRequestVote(req), nil)
}

func (c *memClient) AppendEntries(_ context.Context, req *AppendRequest, done func(*AppendResponse, error)) {
	c.net.mu.Lock()
	drop := c.net.dropAppend[link{c.from, c.to}] || c.net.down[c.to]
	if drop {
		c.net.appendFails[link{c.from, c.to}]++
	}
	target := c.net.members[c.to]
	c.net.mu.Unlock()
	if drop || target == nil {
		done(nil, errUnreachable)
		return
	}
	done(target.HandleAppendEntries(req), nil)
}

type recordingApplier struct {
	mu      sync.Mutex
	entries []Entry
}

func (a *recordingApplier) Apply(e Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingApplier) applied() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.entries...)
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:  100 * time.Millisecond,
		ElectionTimeoutMin: time.Second,
		ElectionTimeoutMax: time.Second,
		RPCTimeout:         time.Second,
		MaxAppendEntries:   16,
	}
}

type testGroup struct {
	net      *network
	clock    *ManualClock
	nodes    []cluster.Node
	members  []*Member
	appliers []*recordingApplier
}

// newTestGroup builds one member per node over a shared network and clock.
// Dispatch is synchronous; members are not started, tests drive tick.
func newTestGroup(t *testing.T, ids ...uint32) *testGroup {
	t.Helper()
	tg := &testGroup{net: newNetwork(), clock: NewManualClock()}
	for _, id := range ids {
		tg.nodes = append(tg.nodes, cluster.Node{IP: "10.0.0.1", MetaPort: int(id), DataPort: int(id) + 1, Identifier: id})
	}
	group := cluster.MustPartitionGroup(len(tg.nodes), tg.nodes...)
	for _, n := range tg.nodes {
		logs := NewMemoryLogManager()
		app := &recordingApplier{}
		m, err := NewMember(Options{
			Config:    testConfig(),
			Self:      n,
			Group:     group,
			Log:       logs,
			Connector: tg.net.connector(n),
			Applier:   app,
			Clock:     tg.clock,
		})
		require.NoError(t, err)
		m.async = func(f func()) { f() }
		tg.net.members[n] = m
		tg.members = append(tg.members, m)
		tg.appliers = append(tg.appliers, app)
		t.Cleanup(func() {
			m.Stop()
			_ = logs.Close()
		})
	}
	return tg
}

// elect advances time past the election timeout and lets member i campaign.
func (tg *testGroup) elect(t *testing.T, i int) {
	t.Helper()
	tg.clock.Advance(time.Second)
	tg.members[i].tick()
	require.Equal(t, Leader, tg.members[i].Role())
}

// tickAll advances one heartbeat interval and ticks every member.
func (tg *testGroup) tickAll() {
	tg.clock.Advance(100 * time.Millisecond)
	for _, m := range tg.members {
		m.tick()
	}
}
