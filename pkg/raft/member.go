package raft

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrts/internal/telemetry"
	"github.com/ryandielhenn/zephyrts/pkg/cluster"
)

// Config holds the timing parameters of one member.
type Config struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	// RPCTimeout bounds every peer call, connection setup included.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
	// MaxAppendEntries caps the entries carried by one AppendEntries call.
	MaxAppendEntries int `yaml:"max_append_entries"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  100 * time.Millisecond,
		ElectionTimeoutMin: time.Second,
		ElectionTimeoutMax: 2 * time.Second,
		RPCTimeout:         500 * time.Millisecond,
		MaxAppendEntries:   64,
	}
}

func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return errors.New("raft: heartbeat interval must be positive")
	case c.ElectionTimeoutMin <= c.HeartbeatInterval:
		return errors.Newf("raft: election timeout %s must exceed heartbeat interval %s",
			c.ElectionTimeoutMin, c.HeartbeatInterval)
	case c.ElectionTimeoutMax < c.ElectionTimeoutMin:
		return errors.New("raft: election timeout max is below min")
	case c.RPCTimeout <= 0:
		return errors.New("raft: rpc timeout must be positive")
	case c.MaxAppendEntries <= 0:
		return errors.New("raft: max append entries must be positive")
	}
	return nil
}

// Options wires a Member to its collaborators.
type Options struct {
	Config    Config
	Self      cluster.Node
	Group     *cluster.PartitionGroup
	Log       LogManager
	Connector Connector
	// Applier receives committed normal entries. May be nil.
	Applier Applier
	Clock   Clock
	Logger  *zap.Logger
}

type proposal struct {
	term uint64
	done chan error
}

// Member is the consensus engine for one group. The contract-specific part
// (which service to call on a peer) is injected through a Connector.
//
// Membership is an immutable PartitionGroup swapped atomically; readers never
// lock. Mutations are serialized by membershipMu. Consensus state is guarded
// by mu, which is never held across a peer call.
type Member struct {
	cfg       Config
	self      cluster.Node
	header    cluster.Node
	label     string
	logs      LogManager
	connector Connector
	applier   Applier
	clock     Clock
	logger    *zap.Logger

	group        atomic.Pointer[cluster.PartitionGroup]
	membershipMu sync.Mutex

	// cluster.Node -> Client
	clients sync.Map

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
	g       *errgroup.Group

	// async runs peer work off the caller's goroutine.
	async func(func())

	mu              sync.Mutex
	role            Role
	term            uint64
	votedFor        cluster.Node
	leader          cluster.Node
	lastHeard       time.Time
	electionTimeout time.Duration
	votes           map[cluster.Node]bool
	nextIndex       map[cluster.Node]uint64
	matchIndex      map[cluster.Node]uint64
	inflight        map[cluster.Node]bool
	pending         map[uint64]proposal
	rng             *rand.Rand
}

func NewMember(opts Options) (*Member, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Group == nil || opts.Log == nil || opts.Connector == nil {
		return nil, errors.New("raft: group, log and connector are required")
	}
	if !opts.Group.Contains(opts.Self) {
		return nil, errors.Newf("raft: %s is not a member of %s", opts.Self, opts.Group)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	header := opts.Group.Header()
	m := &Member{
		cfg:        opts.Config,
		self:       opts.Self,
		header:     header,
		label:      opts.Connector.Contract() + "/" + header.String(),
		logs:       opts.Log,
		connector:  opts.Connector,
		applier:    opts.Applier,
		clock:      opts.Clock,
		logger:     opts.Logger.With(zap.Stringer("group", header), zap.Stringer("self", opts.Self)),
		async:      func(f func()) { go f() },
		votes:      make(map[cluster.Node]bool),
		nextIndex:  make(map[cluster.Node]uint64),
		matchIndex: make(map[cluster.Node]uint64),
		inflight:   make(map[cluster.Node]bool),
		pending:    make(map[uint64]proposal),
		rng:        rand.New(rand.NewPCG(uint64(opts.Self.Identifier), uint64(time.Now().UnixNano()))),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.group.Store(opts.Group)

	hs := m.logs.HardState()
	m.term, m.votedFor = hs.Term, hs.VotedFor
	m.role = Follower
	m.lastHeard = m.clock.Now()
	m.electionTimeout = m.randomElectionTimeout()
	m.logs.SetApplier(ApplierFunc(m.apply))

	telemetry.RaftTerm.WithLabelValues(m.label).Set(float64(m.term))
	telemetry.RaftRole.WithLabelValues(m.label).Set(float64(Follower))
	telemetry.RaftMembers.WithLabelValues(m.label).Set(float64(opts.Group.Len()))
	return m, nil
}

// Start launches the heartbeat loop. It may be called once.
func (m *Member) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	g, gctx := errgroup.WithContext(m.ctx)
	m.g = g
	g.Go(func() error {
		return m.runHeartbeat(ctx, gctx)
	})
	m.logger.Info("member started", zap.Int("nodes", m.Group().Len()))
	return nil
}

// Stop cancels the heartbeat loop and waits for it. In-flight peer calls are
// cancelled and pending proposals fail with ErrStopped.
func (m *Member) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	if m.g != nil {
		_ = m.g.Wait()
	}
	m.mu.Lock()
	m.failPendingLocked(ErrStopped)
	m.mu.Unlock()
	m.clients.Range(func(k, _ any) bool {
		m.clients.Delete(k)
		return true
	})
	m.logger.Info("member stopped")
}

// Label names the member in metrics: contract and header.
func (m *Member) Label() string { return m.label }

// Self is this process's node.
func (m *Member) Self() cluster.Node { return m.self }

// Header is the group's permanent identity.
func (m *Member) Header() cluster.Node { return m.header }

// Group returns the current membership snapshot.
func (m *Member) Group() *cluster.PartitionGroup { return m.group.Load() }

func (m *Member) Nodes() []cluster.Node { return m.group.Load().Nodes() }

func (m *Member) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Member) Term() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term
}

// Leader returns the known leader; false means unknown.
func (m *Member) Leader() (cluster.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader, !m.leader.IsZero()
}

func (m *Member) IsLeader() bool { return m.Role() == Leader }

func (m *Member) CommitIndex() uint64 { return m.logs.CommitIndex() }

// Log exposes the member's log manager.
func (m *Member) Log() LogManager { return m.logs }

// UpdateNodes applies fn to the current membership under the mutation lock and
// publishes the result when fn reports a change. Readers see either the old or
// the new snapshot.
func (m *Member) UpdateNodes(fn func(*cluster.PartitionGroup) (*cluster.PartitionGroup, bool)) *cluster.PartitionGroup {
	m.membershipMu.Lock()
	defer m.membershipMu.Unlock()

	cur := m.group.Load()
	next, changed := fn(cur)
	if !changed || next == nil || next == cur {
		return cur
	}
	m.group.Store(next)

	for _, n := range cur.Nodes() {
		if !next.Contains(n) {
			m.clients.Delete(n)
		}
	}
	telemetry.RaftMembers.WithLabelValues(m.label).Set(float64(next.Len()))
	m.logger.Info("membership changed", zap.Stringer("from", cur), zap.Stringer("to", next))

	m.mu.Lock()
	if m.role == Leader {
		// a smaller group may already have a majority for pending entries
		m.maybeCommitLocked()
	}
	m.mu.Unlock()
	return next
}

// ConnectNode returns a client for n, or nil when n is this node or cannot be
// reached right now. A nil client means "retry later", never a fatal error.
func (m *Member) ConnectNode(n cluster.Node) Client {
	if n == m.self {
		return nil
	}
	if c, ok := m.clients.Load(n); ok {
		return c.(Client)
	}
	c, err := m.connector.Connect(m.ctx, n)
	if err != nil {
		telemetry.PeerConnectFailures.WithLabelValues(m.connector.Contract()).Inc()
		m.logger.Warn("cannot connect to peer", zap.Stringer("peer", n), zap.Error(err))
		return nil
	}
	actual, _ := m.clients.LoadOrStore(n, c)
	return actual.(Client)
}

// dropClient forgets the member's cached client c after a failed call so the
// next attempt asks the connector again. Failures seen after Stop come from
// the member's own cancellation and are ignored.
func (m *Member) dropClient(n cluster.Node, c Client, err error) {
	if m.stopped.Load() {
		return
	}
	m.clients.CompareAndDelete(n, c)
	m.connector.Release(n, c, err)
	m.logger.Debug("peer call failed", zap.Stringer("peer", n), zap.Error(err))
}

func (m *Member) peers() []cluster.Node {
	nodes := m.group.Load().Nodes()
	out := nodes[:0]
	for _, n := range nodes {
		if n != m.self {
			out = append(out, n)
		}
	}
	return out
}

// ---- role transitions ----

func (m *Member) persistLocked() {
	if err := m.logs.SetHardState(HardState{Term: m.term, VotedFor: m.votedFor}); err != nil {
		m.logger.Error("cannot persist hard state", zap.Error(err))
	}
}

func (m *Member) setLeaderLocked(n cluster.Node) {
	if m.leader == n {
		return
	}
	m.leader = n
	if !n.IsZero() {
		telemetry.RaftLeaderChanges.WithLabelValues(m.label).Inc()
		m.logger.Info("leader changed", zap.Stringer("leader", n), zap.Uint64("term", m.term))
	}
}

// becomeFollowerLocked adopts term (if newer) and the given leader, which may
// be the zero Node for "unknown".
func (m *Member) becomeFollowerLocked(term uint64, leader cluster.Node) {
	if term > m.term {
		m.term = term
		m.votedFor = cluster.Node{}
		m.persistLocked()
		telemetry.RaftTerm.WithLabelValues(m.label).Set(float64(term))
	}
	if m.role == Leader {
		m.failPendingLocked(ErrLeadershipLost)
		m.lastHeard = m.clock.Now()
	}
	if m.role != Follower {
		m.logger.Info("became follower", zap.Stringer("from", m.role), zap.Uint64("term", m.term))
	}
	m.role = Follower
	m.votes = make(map[cluster.Node]bool)
	m.setLeaderLocked(leader)
	telemetry.RaftRole.WithLabelValues(m.label).Set(float64(Follower))
}

// campaignLocked starts an election for the next term. It reports won when
// this node alone is a quorum.
func (m *Member) campaignLocked() (*VoteRequest, bool) {
	m.term++
	m.role = Candidate
	m.votedFor = m.self
	m.persistLocked()
	m.leader = cluster.Node{}
	m.votes = map[cluster.Node]bool{m.self: true}
	m.lastHeard = m.clock.Now()
	m.electionTimeout = m.randomElectionTimeout()

	telemetry.RaftElections.WithLabelValues(m.label).Inc()
	telemetry.RaftTerm.WithLabelValues(m.label).Set(float64(m.term))
	telemetry.RaftRole.WithLabelValues(m.label).Set(float64(Candidate))
	m.logger.Info("starting election", zap.Uint64("term", m.term))

	if m.countVotesLocked() >= m.group.Load().Quorum() {
		m.becomeLeaderLocked()
		return nil, true
	}
	return &VoteRequest{
		Header:       m.header,
		Term:         m.term,
		Candidate:    m.self,
		LastLogIndex: m.logs.LastIndex(),
		LastLogTerm:  m.logs.LastTerm(),
	}, false
}

// countVotesLocked counts granted votes from nodes still in the group.
func (m *Member) countVotesLocked() int {
	g := m.group.Load()
	n := 0
	for node := range m.votes {
		if g.Contains(node) {
			n++
		}
	}
	return n
}

func (m *Member) becomeLeaderLocked() {
	m.role = Leader
	m.setLeaderLocked(m.self)
	last := m.logs.LastIndex()
	clear(m.nextIndex)
	clear(m.matchIndex)
	clear(m.inflight)
	noop := Entry{Index: last + 1, Term: m.term, Type: EntryNoop}
	if _, err := m.logs.Append(noop); err != nil {
		m.logger.Error("cannot append noop entry", zap.Error(err))
	}
	telemetry.RaftRole.WithLabelValues(m.label).Set(float64(Leader))
	m.logger.Info("became leader", zap.Uint64("term", m.term))
	m.maybeCommitLocked()
}

// ---- elections ----

func (m *Member) requestVotes(req *VoteRequest) {
	for _, peer := range m.peers() {
		m.async(func() {
			c := m.ConnectNode(peer)
			if c == nil {
				return
			}
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
			c.RequestVote(ctx, req, func(resp *VoteResponse, err error) {
				cancel()
				m.handleVoteResponse(peer, c, req, resp, err)
			})
		})
	}
}

func (m *Member) handleVoteResponse(peer cluster.Node, c Client, req *VoteRequest, resp *VoteResponse, err error) {
	if m.stopped.Load() {
		return
	}
	if err != nil {
		m.dropClient(peer, c, err)
		return
	}
	m.mu.Lock()
	if resp.Term > m.term {
		m.becomeFollowerLocked(resp.Term, cluster.Node{})
		m.mu.Unlock()
		return
	}
	if m.role != Candidate || m.term != req.Term || !resp.Granted {
		m.mu.Unlock()
		return
	}
	m.votes[peer] = true
	if m.countVotesLocked() < m.group.Load().Quorum() {
		m.mu.Unlock()
		return
	}
	m.becomeLeaderLocked()
	m.mu.Unlock()
	m.broadcastAppend()
}

// HandleRequestVote serves a vote request from a candidate.
func (m *Member) HandleRequestVote(req *VoteRequest) *VoteResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Term < m.term {
		return &VoteResponse{Term: m.term}
	}
	if req.Term > m.term {
		m.becomeFollowerLocked(req.Term, cluster.Node{})
	}
	resp := &VoteResponse{Term: m.term}
	if !m.votedFor.IsZero() && m.votedFor != req.Candidate {
		return resp
	}
	lastTerm, lastIndex := m.logs.LastTerm(), m.logs.LastIndex()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		return resp
	}
	m.votedFor = req.Candidate
	m.persistLocked()
	m.lastHeard = m.clock.Now()
	resp.Granted = true
	return resp
}

// ---- replication ----

func (m *Member) broadcastAppend() {
	for _, peer := range m.peers() {
		m.replicateTo(peer)
	}
}

// replicateTo sends the next batch to peer unless a call to it is already in
// flight. A slow peer never delays the others.
func (m *Member) replicateTo(peer cluster.Node) {
	m.mu.Lock()
	if m.role != Leader || m.inflight[peer] || m.stopped.Load() {
		m.mu.Unlock()
		return
	}
	last := m.logs.LastIndex()
	next, ok := m.nextIndex[peer]
	if !ok || next == 0 || next > last+1 {
		next = last + 1
		m.nextIndex[peer] = next
	}
	prevTerm, _ := m.logs.Term(next - 1)
	req := &AppendRequest{
		Header:       m.header,
		Term:         m.term,
		Leader:       m.self,
		PrevLogIndex: next - 1,
		PrevLogTerm:  prevTerm,
		Entries:      m.logs.EntriesFrom(next, m.cfg.MaxAppendEntries),
		LeaderCommit: m.logs.CommitIndex(),
	}
	m.inflight[peer] = true
	m.mu.Unlock()

	m.async(func() {
		c := m.ConnectNode(peer)
		if c == nil {
			m.finishAppend(peer)
			telemetry.RaftHeartbeats.WithLabelValues(m.label, "unreachable").Inc()
			return
		}
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
		c.AppendEntries(ctx, req, func(resp *AppendResponse, err error) {
			cancel()
			m.handleAppendResponse(peer, c, req, resp, err)
		})
	})
}

func (m *Member) finishAppend(peer cluster.Node) {
	m.mu.Lock()
	delete(m.inflight, peer)
	m.mu.Unlock()
}

func (m *Member) handleAppendResponse(peer cluster.Node, c Client, req *AppendRequest, resp *AppendResponse, err error) {
	if m.stopped.Load() {
		return
	}
	if err != nil {
		m.finishAppend(peer)
		m.dropClient(peer, c, err)
		telemetry.RaftHeartbeats.WithLabelValues(m.label, "error").Inc()
		return
	}

	m.mu.Lock()
	delete(m.inflight, peer)
	if resp.Term > m.term {
		m.becomeFollowerLocked(resp.Term, cluster.Node{})
		m.mu.Unlock()
		telemetry.RaftHeartbeats.WithLabelValues(m.label, "stale").Inc()
		return
	}
	if m.role != Leader || m.term != req.Term {
		m.mu.Unlock()
		return
	}

	more := false
	if resp.Success {
		telemetry.RaftHeartbeats.WithLabelValues(m.label, "ok").Inc()
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > m.matchIndex[peer] {
			m.matchIndex[peer] = match
		}
		m.nextIndex[peer] = match + 1
		m.maybeCommitLocked()
		more = match < m.logs.LastIndex()
	} else {
		telemetry.RaftHeartbeats.WithLabelValues(m.label, "rejected").Inc()
		next := req.PrevLogIndex
		if hint := resp.LastLogIndex + 1; hint < next {
			next = hint
		}
		m.nextIndex[peer] = max(next, 1)
		more = true
	}
	m.mu.Unlock()

	if more && m.group.Load().Contains(peer) {
		m.replicateTo(peer)
	}
}

// maybeCommitLocked advances the commit index to the highest entry of the
// current term stored on a majority of the current group.
func (m *Member) maybeCommitLocked() {
	g := m.group.Load()
	commit := m.logs.CommitIndex()
	for idx := m.logs.LastIndex(); idx > commit; idx-- {
		if t, _ := m.logs.Term(idx); t != m.term {
			// entries of earlier terms commit only through a current-term entry
			return
		}
		count := 0
		for _, n := range g.Nodes() {
			if n == m.self || m.matchIndex[n] >= idx {
				count++
			}
		}
		if count >= g.Quorum() {
			if err := m.logs.CommitTo(idx); err != nil {
				m.logger.Error("cannot advance commit index", zap.Uint64("index", idx), zap.Error(err))
				return
			}
			telemetry.RaftCommitIndex.WithLabelValues(m.label).Set(float64(idx))
			return
		}
	}
}

// HandleAppendEntries serves a heartbeat or replication call from a leader.
// Applying committed entries happens on the log's apply goroutine.
func (m *Member) HandleAppendEntries(req *AppendRequest) *AppendResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Term < m.term {
		return &AppendResponse{Term: m.term, LastLogIndex: m.logs.LastIndex()}
	}
	if req.Term > m.term || m.role != Follower {
		m.becomeFollowerLocked(req.Term, req.Leader)
	}
	m.setLeaderLocked(req.Leader)
	m.lastHeard = m.clock.Now()

	resp := &AppendResponse{Term: m.term}
	if t, ok := m.logs.Term(req.PrevLogIndex); !ok || t != req.PrevLogTerm {
		resp.LastLogIndex = m.logs.LastIndex()
		if req.PrevLogIndex > 0 && req.PrevLogIndex-1 < resp.LastLogIndex {
			resp.LastLogIndex = req.PrevLogIndex - 1
		}
		return resp
	}

	for i, e := range req.Entries {
		t, ok := m.logs.Term(e.Index)
		if ok && t == e.Term {
			continue
		}
		if ok {
			if err := m.logs.TruncateAfter(e.Index - 1); err != nil {
				m.logger.Error("conflicting entry below commit", zap.Uint64("index", e.Index), zap.Error(err))
				resp.LastLogIndex = m.logs.LastIndex()
				return resp
			}
		}
		if _, err := m.logs.Append(req.Entries[i:]...); err != nil {
			m.logger.Error("cannot append entries", zap.Error(err))
			resp.LastLogIndex = m.logs.LastIndex()
			return resp
		}
		break
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if commit := min(req.LeaderCommit, lastNew); commit > m.logs.CommitIndex() {
		if err := m.logs.CommitTo(commit); err != nil {
			m.logger.Error("cannot advance commit index", zap.Uint64("index", commit), zap.Error(err))
		} else {
			telemetry.RaftCommitIndex.WithLabelValues(m.label).Set(float64(commit))
		}
	}
	resp.Success = true
	resp.LastLogIndex = m.logs.LastIndex()
	return resp
}

// ---- proposals ----

// Propose appends data to the log and waits until it is applied locally.
func (m *Member) Propose(ctx context.Context, data []byte) (uint64, error) {
	if m.stopped.Load() {
		return 0, ErrStopped
	}
	m.mu.Lock()
	if m.role != Leader {
		m.mu.Unlock()
		return 0, ErrNotLeader
	}
	e := Entry{Index: m.logs.LastIndex() + 1, Term: m.term, Type: EntryNormal, Data: data}
	if _, err := m.logs.Append(e); err != nil {
		m.mu.Unlock()
		return 0, errors.Wrap(err, "raft: propose")
	}
	done := make(chan error, 1)
	m.pending[e.Index] = proposal{term: e.Term, done: done}
	m.maybeCommitLocked()
	m.mu.Unlock()

	m.broadcastAppend()

	select {
	case err := <-done:
		return e.Index, err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, e.Index)
		m.mu.Unlock()
		return e.Index, ctx.Err()
	}
}

func (m *Member) failPendingLocked(err error) {
	for idx, p := range m.pending {
		p.done <- err
		delete(m.pending, idx)
	}
}

// apply is the log's commit hook.
func (m *Member) apply(e Entry) {
	if e.Type == EntryNormal && m.applier != nil {
		m.applier.Apply(e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[e.Index]
	if !ok {
		return
	}
	delete(m.pending, e.Index)
	if p.term == e.Term {
		p.done <- nil
	} else {
		p.done <- ErrLeadershipLost
	}
}
