package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ryandielhenn/zephyrts/internal/config"
	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

func addr(id uint32) string {
	return fmt.Sprintf("10.0.0.%d:%d:%d:%d", id%250, 9000+id, 40000+id, id)
}

func testConfig(rf int, self uint32, seeds ...uint32) *config.Config {
	cfg := config.Default()
	cfg.Self = addr(self)
	for _, s := range seeds {
		cfg.Seeds = append(cfg.Seeds, addr(s))
	}
	cfg.ReplicationFactor = rf
	cfg.Raft = raft.Config{
		HeartbeatInterval:  100 * time.Millisecond,
		ElectionTimeoutMin: time.Second,
		ElectionTimeoutMax: time.Second,
		RPCTimeout:         time.Second,
		MaxAppendEntries:   16,
	}
	cfg.Pool = rpc.PoolConfig{ConnectTimeout: 500 * time.Millisecond, BreakerThreshold: 100}
	return cfg
}

// bufnet routes dials to in-memory listeners; unknown addresses fail.
type bufnet struct {
	listeners map[string]*bufconn.Listener
}

func (b *bufnet) dialer(ctx context.Context, addr string) (net.Conn, error) {
	if lis, ok := b.listeners[addr]; ok {
		return lis.DialContext(ctx)
	}
	return nil, errors.Newf("no route to %s", addr)
}

func newServer(t *testing.T, cfg *config.Config, clock raft.Clock, b *bufnet) *Server {
	t.Helper()
	if b == nil {
		b = &bufnet{}
	}
	s, err := New(cfg, nil, Options{Clock: clock, DialOptions: []grpc.DialOption{grpc.WithContextDialer(b.dialer)}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// elect advances the clock until cond holds.
func elect(t *testing.T, clock *raft.ManualClock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		clock.Advance(2 * time.Second)
		return cond()
	}, 5*time.Second, 10*time.Millisecond)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func startedSingleNode(t *testing.T) (*Server, *raft.ManualClock) {
	t.Helper()
	clock := raft.NewManualClock()
	s := newServer(t, testConfig(1, 1), clock, nil)
	require.NoError(t, s.Start(context.Background()))
	elect(t, clock, func() bool {
		return s.Meta().IsLeader() && s.Member(s.Self()).IsLeader()
	})
	return s, clock
}

func TestHealthz(t *testing.T) {
	s := newServer(t, testConfig(1, 1), raft.NewManualClock(), nil)
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestWriteThenRead(t *testing.T) {
	s, _ := startedSingleNode(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/series/cpu", `{"points":[{"ts":2,"value":1.5},{"ts":1,"value":0.5}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/series/cpu", `{"points":[{"ts":3,"value":2.5}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/series/cpu?from=0&to=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Series string         `json:"series"`
		Points []series.Point `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "cpu", got.Series)
	assert.Equal(t, []series.Point{{Timestamp: 1, Value: 0.5}, {Timestamp: 2, Value: 1.5}}, got.Points)

	rec = do(t, h, http.MethodGet, "/series/cpu", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Points, 3, "an open range reads everything")
}

func TestSeriesRequestErrors(t *testing.T) {
	s, _ := startedSingleNode(t)
	h := s.Handler()

	for _, c := range []struct {
		method, target, body string
		want                 int
	}{
		{http.MethodGet, "/series/missing", "", http.StatusNotFound},
		{http.MethodGet, "/series/cpu?from=abc", "", http.StatusBadRequest},
		{http.MethodGet, "/series/cpu?to=1.5", "", http.StatusBadRequest},
		{http.MethodPost, "/series/cpu", "{", http.StatusBadRequest},
		{http.MethodPost, "/series/cpu", `{"points":[]}`, http.StatusBadRequest},
		{http.MethodDelete, "/series/cpu", "", http.StatusMethodNotAllowed},
	} {
		rec := do(t, h, c.method, c.target, c.body)
		assert.Equal(t, c.want, rec.Code, "%s %s", c.method, c.target)
	}
}

func TestInfoReportsGroups(t *testing.T) {
	s, _ := startedSingleNode(t)

	rec := do(t, s.Handler(), http.MethodGet, "/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Self   string      `json:"self"`
		Ring   int         `json:"ring"`
		Meta   groupInfo   `json:"meta"`
		Groups []groupInfo `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, s.Self().String(), info.Self)
	assert.Equal(t, 1, info.Ring)
	assert.Equal(t, "LEADER", info.Meta.Role)
	require.Len(t, info.Groups, 1)
	assert.Equal(t, s.Self().String(), info.Groups[0].Leader)
	assert.Equal(t, []string{s.Self().String()}, info.Groups[0].Nodes)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := startedSingleNode(t)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zephyrts_raft_term")
}

func TestMetaAndDataMembersKeepSeparateMetrics(t *testing.T) {
	s, _ := startedSingleNode(t)
	metaLabel := s.Meta().Label()
	dataLabel := s.Member(s.Self()).Label()
	require.NotEqual(t, metaLabel, dataLabel, "both groups are headed by this node")

	s.mu.Lock()
	s.discardLocked(s.Member(s.Self()))
	s.mu.Unlock()

	body := do(t, s.Handler(), http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, body, fmt.Sprintf("zephyrts_raft_term{group=%q}", metaLabel))
	assert.NotContains(t, body, fmt.Sprintf("zephyrts_raft_term{group=%q}", dataLabel))
}

func TestWriteWithoutLeaderIsUnavailable(t *testing.T) {
	s := newServer(t, testConfig(2, 1, 2), raft.NewManualClock(), nil)

	rec := do(t, s.Handler(), http.MethodPost, "/series/cpu", `{"points":[{"ts":1,"value":1}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/info", "")
	assert.Contains(t, rec.Body.String(), `"leader":"unknown"`)
}

func TestRequestsForOtherGroupsAreForwarded(t *testing.T) {
	clock := raft.NewManualClock()
	b := &bufnet{listeners: map[string]*bufconn.Listener{}}
	a := newServer(t, testConfig(1, 1, 2), clock, b)
	owner := newServer(t, testConfig(1, 2, 1), clock, b)

	lis := bufconn.Listen(1 << 20)
	b.listeners[owner.Self().DataAddr()] = lis
	srv := rpc.NewServer(nil)
	rpc.RegisterDataService(srv, dataService{owner})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, owner.Start(context.Background()))
	elect(t, clock, func() bool { return owner.Member(owner.Self()).IsLeader() })

	var name string
	for i := 0; ; i++ {
		name = fmt.Sprintf("series-%d", i)
		if n, _ := a.Ring().Lookup([]byte(name)); n == owner.Self() {
			break
		}
	}
	require.Nil(t, a.Member(owner.Self()), "with one replica the writer holds no copy")

	rec := do(t, a.Handler(), http.MethodPost, "/series/"+name, `{"points":[{"ts":5,"value":7}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pts, ok := owner.Store().Query(name, 0, 10)
	require.True(t, ok)
	assert.Equal(t, []series.Point{{Timestamp: 5, Value: 7}}, pts)

	rec = do(t, a.Handler(), http.MethodGet, "/series/"+name+"?from=0&to=10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"ts":5`)
}

func TestHandleJoinGrowsGroups(t *testing.T) {
	s := newServer(t, testConfig(2, 10), raft.NewManualClock(), nil)
	require.Len(t, s.Members(), 1)

	joiner, err := cluster.ParseNode(addr(20))
	require.NoError(t, err)
	s.handleJoin(joiner)

	assert.True(t, s.Ring().Contains(joiner))
	assert.Equal(t, 2, s.Meta().Group().Len())
	require.Len(t, s.Members(), 2)
	assert.Equal(t, []cluster.Node{s.Self(), joiner}, s.Member(s.Self()).Nodes())
	require.NotNil(t, s.Member(joiner))
	assert.Equal(t, []cluster.Node{joiner, s.Self()}, s.Member(joiner).Nodes())

	s.handleJoin(joiner)
	assert.Len(t, s.Members(), 2, "a repeated join changes nothing")
}

func TestHandleJoinDropsGroupThatPushesSelfOut(t *testing.T) {
	s := newServer(t, testConfig(2, 20, 10), raft.NewManualClock(), nil)
	n10, err := cluster.ParseNode(addr(10))
	require.NoError(t, err)
	require.NotNil(t, s.Member(n10))

	n15, err := cluster.ParseNode(addr(15))
	require.NoError(t, err)
	s.handleJoin(n15)

	assert.Nil(t, s.Member(n10), "group of 10 is now [10 15]")
	require.NotNil(t, s.Member(n15))
	assert.Equal(t, []cluster.Node{n15, s.Self()}, s.Member(n15).Nodes())
	assert.NotNil(t, s.Member(s.Self()))
}

// requireViewsMatchRing checks that s holds exactly the groups the ring puts
// it in, each with the ring's membership.
func requireViewsMatchRing(t *testing.T, s *Server) {
	t.Helper()
	rf := s.cfg.ReplicationFactor
	var want, got []cluster.Node
	for _, g := range s.Ring().GroupsContaining(s.Self(), rf) {
		want = append(want, g.Header())
	}
	for _, m := range s.Members() {
		got = append(got, m.Header())
		g, ok := s.Ring().GroupHeadedBy(m.Header(), rf)
		require.True(t, ok)
		require.Equal(t, g.Nodes(), m.Nodes(), "view of group %s", m.Header())
	}
	require.ElementsMatch(t, want, got)
}

func parse(t *testing.T, id uint32) cluster.Node {
	t.Helper()
	n, err := cluster.ParseNode(addr(id))
	require.NoError(t, err)
	return n
}

func TestJoinBeforeEveryHeaderLeavesGroupsAlone(t *testing.T) {
	s := newServer(t, testConfig(3, 300, 100, 200, 400, 500), raft.NewManualClock(), nil)
	requireViewsMatchRing(t, s)
	h100 := s.Member(parse(t, 100))
	require.NotNil(t, h100)
	_, err := h100.Log().Append(raft.Entry{Index: 1, Term: 1, Type: raft.EntryNoop})
	require.NoError(t, err)

	s.handleJoin(parse(t, 50))

	requireViewsMatchRing(t, s)
	assert.Same(t, h100, s.Member(parse(t, 100)), "member kept, not recreated")
	assert.Equal(t, uint64(1), h100.Log().LastIndex())
	assert.Equal(t, []cluster.Node{parse(t, 200), s.Self(), parse(t, 400)}, s.Member(parse(t, 200)).Nodes())
}

func TestJoinIntoWrappingGroupsFollowsRing(t *testing.T) {
	s := newServer(t, testConfig(3, 300, 100, 200), raft.NewManualClock(), nil)
	requireViewsMatchRing(t, s)

	s.handleJoin(parse(t, 250))

	requireViewsMatchRing(t, s)
	assert.Nil(t, s.Member(parse(t, 100)))
	assert.Equal(t, []cluster.Node{s.Self(), parse(t, 100), parse(t, 200)}, s.Member(s.Self()).Nodes())
	assert.Equal(t, []cluster.Node{parse(t, 250), s.Self(), parse(t, 100)}, s.Member(parse(t, 250)).Nodes())
}

func TestMetaJoinRPC(t *testing.T) {
	follower := newServer(t, testConfig(1, 2, 1), raft.NewManualClock(), nil)
	resp, err := metaService{follower}.Join(context.Background(), &rpc.JoinRequest{Node: follower.Self()})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.True(t, resp.Leader.IsZero())

	s, _ := startedSingleNode(t)
	joiner, err := cluster.ParseNode(addr(7))
	require.NoError(t, err)

	_, err = metaService{s}.Join(context.Background(), &rpc.JoinRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err = metaService{s}.Join(ctx, &rpc.JoinRequest{Node: joiner})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.True(t, s.Ring().Contains(joiner))
	assert.True(t, s.Meta().Group().Contains(joiner))
}

func TestDataServiceRouting(t *testing.T) {
	s := newServer(t, testConfig(2, 1, 2), raft.NewManualClock(), nil)
	d := dataService{s}
	ctx := context.Background()

	_, err := d.Write(ctx, &rpc.WriteRequest{Header: cluster.Node{Identifier: 99}, Series: "x", Points: []series.Point{{}}})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = d.Write(ctx, &rpc.WriteRequest{Header: s.Self(), Series: "x", Points: []series.Point{{}}})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = d.Query(ctx, &rpc.QueryRequest{Header: s.Self(), Series: "x"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	peer, err := cluster.ParseNode(addr(2))
	require.NoError(t, err)
	resp, err := d.RequestVote(ctx, &raft.VoteRequest{Header: s.Self(), Term: 1, Candidate: peer})
	require.NoError(t, err)
	assert.True(t, resp.Granted)
	assert.Equal(t, uint64(1), s.Member(s.Self()).Term())

	_, err = d.AppendEntries(ctx, &raft.AppendRequest{Header: cluster.Node{Identifier: 99}})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHTTPStatus(t *testing.T) {
	for _, c := range []struct {
		err  error
		want int
	}{
		{errNoSeries, http.StatusNotFound},
		{errors.Wrap(ErrNoLeader, "group"), http.StatusServiceUnavailable},
		{raft.ErrNotLeader, http.StatusServiceUnavailable},
		{series.ErrEmptyWrite, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.Wrap(status.Error(codes.FailedPrecondition, "not leader"), "forwarding"), http.StatusServiceUnavailable},
		{status.Error(codes.NotFound, "no group"), http.StatusNotFound},
		{errors.Wrap(rpc.ErrPeerUnavailable, "dial"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		assert.Equal(t, c.want, httpStatus(c.err), "%v", c.err)
	}
}
