package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ryandielhenn/zephyrts/discovery"
	"github.com/ryandielhenn/zephyrts/internal/config"
	"github.com/ryandielhenn/zephyrts/internal/telemetry"
	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/member"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/ring"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

// ErrNoLeader is returned when a request needs a group leader that is not
// known right now.
var ErrNoLeader = errors.New("server: group leader unknown")

// Registry is the discovery backend; *discovery.Registry implements it.
type Registry interface {
	Register(ctx context.Context, n cluster.Node) (clientv3.LeaseID, error)
	Deregister(ctx context.Context, id clientv3.LeaseID) error
	Peers(ctx context.Context) ([]cluster.Node, error)
	Watch(ctx context.Context, fn func(discovery.Event))
}

type Options struct {
	// Clock drives every member. Defaults to the wall clock.
	Clock raft.Clock
	// DialOptions are added to every peer connection.
	DialOptions []grpc.DialOption
	// Registry, when set, publishes this node and admits the nodes it finds.
	Registry Registry
}

// Server is one zephyrts process: the meta member, the data members of every
// group containing this node, and the gRPC and HTTP surfaces in front of them.
type Server struct {
	cfg      *config.Config
	self     cluster.Node
	seeds    []cluster.Node
	ring     *ring.HashRing
	store    *series.Store
	clock    raft.Clock
	registry Registry
	logger   *zap.Logger

	metaPool    *rpc.ClientManager
	dataPool    *rpc.ClientManager
	metaClients *rpc.MetaClientFactory
	dataClients *rpc.DataClientFactory
	logs        *member.MemoryLogStore
	factory     *member.Factory
	meta        *member.MetaGroupMember

	mu      sync.RWMutex
	members map[cluster.Node]*member.DataGroupMember // by header
	runCtx  context.Context
}

func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = raft.RealClock
	}
	self, err := cfg.Node()
	if err != nil {
		return nil, err
	}
	seeds, err := cfg.SeedNodes()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		self:     self,
		seeds:    seeds,
		ring:     ring.New(nil),
		store:    series.NewStore(cfg.StoreCapacity),
		clock:    opts.Clock,
		registry: opts.Registry,
		logger:   logger.With(zap.Stringer("self", self)),
		metaPool: rpc.NewClientManager(cfg.Pool, logger.Named("meta-pool"), opts.DialOptions...),
		dataPool: rpc.NewClientManager(cfg.Pool, logger.Named("data-pool"), opts.DialOptions...),
		logs:     member.NewMemoryLogStore(),
		members:  make(map[cluster.Node]*member.DataGroupMember),
	}
	s.metaClients = rpc.NewMetaClientFactory(s.metaPool)
	s.dataClients = rpc.NewDataClientFactory(s.dataPool)
	s.factory = member.NewFactory(s.dataPool, s.logs, s.store, cfg.Raft, s.clock, logger).WithRetention(cfg.Retention)

	s.ring.Add(self)
	for _, n := range seeds {
		if !s.ring.Add(n) && !s.ring.Contains(n) {
			s.logger.Warn("seed identifier collides with a known node, ignoring", zap.Stringer("seed", n))
		}
	}

	metaGroup, err := cluster.NewPartitionGroup(max(cfg.MaxMetaNodes, s.ring.Len()), s.ring.Nodes()...)
	if err != nil {
		return nil, err
	}
	s.meta, err = member.NewMetaGroupMember(member.MetaOptions{
		Config:  cfg.Raft,
		Self:    self,
		Group:   metaGroup,
		Log:     raft.NewMemoryLogManager(),
		Clients: s.metaClients,
		OnJoin:  s.handleJoin,
		Clock:   s.clock,
		Logger:  logger.Named("meta"),
	})
	if err != nil {
		return nil, err
	}

	for _, g := range s.ring.GroupsContaining(self, cfg.ReplicationFactor) {
		if _, err := s.addMemberLocked(g); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) Self() cluster.Node                  { return s.self }
func (s *Server) Meta() *member.MetaGroupMember       { return s.meta }
func (s *Server) Store() *series.Store                { return s.store }
func (s *Server) Ring() *ring.HashRing                { return s.ring }
func (s *Server) DataClients() *rpc.DataClientFactory { return s.dataClients }

// Member returns the data member of the group headed by header, or nil.
func (s *Server) Member(header cluster.Node) *member.DataGroupMember {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[header]
}

// Members returns every data member, ordered by header identifier.
func (s *Server) Members() []*member.DataGroupMember {
	s.mu.RLock()
	out := make([]*member.DataGroupMember, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Header().Identifier < out[j].Header().Identifier })
	return out
}

// addMemberLocked creates the member for g and starts it when the server is
// running. Callers hold mu or own s exclusively.
func (s *Server) addMemberLocked(g *cluster.PartitionGroup) (*member.DataGroupMember, error) {
	m, err := s.factory.Create(g, s.self)
	if err != nil {
		return nil, errors.Wrapf(err, "creating member of %s", g)
	}
	s.members[g.Header()] = m
	if s.runCtx != nil {
		if err := m.Start(s.runCtx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *Server) discardLocked(m *member.DataGroupMember) {
	header := m.Header()
	delete(s.members, header)
	if err := s.factory.Discard(m); err != nil {
		s.logger.Warn("dropping group log", zap.Stringer("group", header), zap.Error(err))
	}
	telemetry.ForgetGroup(m.Label())
	s.logger.Info("left group", zap.Stringer("group", header))
}

// handleJoin applies a committed join. The ring and the meta group learn the
// node. Each data member is then brought in line with the ring: groups the
// ring gives the node learn it, groups that no longer contain this node are
// dropped, and groups this node now belongs to are created.
func (s *Server) handleJoin(n cluster.Node) {
	if !s.ring.Add(n) {
		return
	}
	s.logger.Info("node joined", zap.Stringer("node", n))
	s.meta.AddNode(n)

	rf := s.cfg.ReplicationFactor
	s.mu.Lock()
	defer s.mu.Unlock()
	for header, m := range s.members {
		want, ok := s.ring.GroupHeadedBy(header, rf)
		if !ok || !want.Contains(s.self) {
			s.discardLocked(m)
			continue
		}
		if want.Contains(n) {
			// Reconcile below covers placements AddNode gets wrong
			if next, _ := m.Group().WithNode(n); next.Equal(want) {
				m.AddNode(n)
			}
		}
		m.Reconcile(want)
	}
	for _, g := range s.ring.GroupsContaining(s.self, rf) {
		if _, ok := s.members[g.Header()]; ok {
			continue
		}
		if _, err := s.addMemberLocked(g); err != nil {
			s.logger.Error("cannot join group", zap.Stringer("group", g), zap.Error(err))
		}
	}
}

// Join admits n to the cluster through the meta group, proposing locally on
// the meta leader and forwarding to it otherwise.
func (s *Server) Join(ctx context.Context, n cluster.Node) error {
	if s.meta.IsLeader() {
		_, err := s.meta.ProposeJoin(ctx, n)
		return err
	}
	leader, ok := s.meta.Leader()
	if !ok {
		return ErrNoLeader
	}
	return s.joinVia(ctx, leader, n)
}

func (s *Server) joinVia(ctx context.Context, via, n cluster.Node) error {
	c, err := s.metaClients.Client(ctx, via)
	if err != nil {
		return err
	}
	resp, err := c.Join(ctx, &rpc.JoinRequest{Node: n})
	if err != nil {
		if rpc.IsTransportError(err) {
			s.metaClients.Release(c)
		}
		return err
	}
	if !resp.Accepted {
		if resp.Leader.IsZero() || resp.Leader == via {
			return ErrNoLeader
		}
		return s.joinVia(ctx, resp.Leader, n)
	}
	return nil
}

// announce asks the seeds to admit this node until one accepts.
func (s *Server) announce(ctx context.Context) {
	t := s.clock.NewTicker(s.cfg.ReconcileInterval)
	defer t.Stop()
	for {
		for _, seed := range s.seeds {
			if seed == s.self {
				continue
			}
			cctx, cancel := context.WithTimeout(ctx, s.cfg.Raft.RPCTimeout)
			err := s.joinVia(cctx, seed, s.self)
			cancel()
			if err == nil {
				s.logger.Info("admitted to cluster", zap.Stringer("via", seed))
				return
			}
			s.logger.Debug("join attempt failed", zap.Stringer("via", seed), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
	}
}

// reconcile admits registered nodes missing from the ring while this node
// leads the meta group.
func (s *Server) reconcile(ctx context.Context) {
	if !s.meta.IsLeader() {
		return
	}
	peers, err := s.registry.Peers(ctx)
	if err != nil {
		s.logger.Warn("listing peers", zap.Error(err))
		return
	}
	for _, n := range peers {
		if s.ring.Contains(n) {
			continue
		}
		if _, err := s.meta.ProposeJoin(ctx, n); err != nil {
			s.logger.Warn("admitting peer", zap.Stringer("peer", n), zap.Error(err))
		}
	}
}

func (s *Server) discover(ctx context.Context) error {
	lease, err := s.registry.Register(ctx, s.self)
	if err != nil {
		return errors.Wrap(err, "registering")
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.registry.Deregister(dctx, lease); err != nil {
			s.logger.Warn("deregistering", zap.Error(err))
		}
	}()

	go func() {
		t := s.clock.NewTicker(s.cfg.ReconcileInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C():
				s.reconcile(ctx)
			}
		}
	}()

	s.registry.Watch(ctx, func(ev discovery.Event) {
		switch ev.Type {
		case discovery.NodeUp:
			if !s.ring.Contains(ev.Node) && s.meta.IsLeader() {
				if _, err := s.meta.ProposeJoin(ctx, ev.Node); err != nil {
					s.logger.Warn("admitting peer", zap.Stringer("peer", ev.Node), zap.Error(err))
				}
			}
		case discovery.NodeDown:
			s.logger.Info("peer registration expired", zap.Uint32("identifier", ev.Node.Identifier))
		}
	})
	return nil
}

// Start starts the meta member and every data member. Members created later
// start as they are created.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return raft.ErrAlreadyStarted
	}
	s.runCtx = ctx
	if err := s.meta.Start(ctx); err != nil {
		return err
	}
	for _, m := range s.members {
		if err := m.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run listens on the node's meta and data ports and on the HTTP address, and
// serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	metaLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.self.MetaPort))
	if err != nil {
		return errors.Wrap(err, "meta listener")
	}
	dataLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.self.DataPort))
	if err != nil {
		_ = metaLis.Close()
		return errors.Wrap(err, "data listener")
	}
	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = metaLis.Close()
		_ = dataLis.Close()
		return errors.Wrap(err, "http listener")
	}
	return s.Serve(ctx, metaLis, dataLis, httpLis)
}

// Serve is Run over caller-provided listeners.
func (s *Server) Serve(ctx context.Context, metaLis, dataLis, httpLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	if err := s.Start(ctx); err != nil {
		return err
	}

	metaSrv := rpc.NewServer(s.logger.Named("meta-rpc"))
	rpc.RegisterMetaService(metaSrv, metaService{s})
	dataSrv := rpc.NewServer(s.logger.Named("data-rpc"))
	rpc.RegisterDataService(dataSrv, dataService{s})
	httpSrv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error { return metaSrv.Serve(metaLis) })
	g.Go(func() error { return dataSrv.Serve(dataLis) })
	g.Go(func() error {
		if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.registry != nil {
		g.Go(func() error { return s.discover(ctx) })
	}
	if len(s.seeds) > 0 {
		g.Go(func() error { s.announce(ctx); return nil })
	}
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
		metaSrv.GracefulStop()
		dataSrv.GracefulStop()
		return nil
	})

	s.logger.Info("serving",
		zap.String("meta", metaLis.Addr().String()),
		zap.String("data", dataLis.Addr().String()),
		zap.String("http", httpLis.Addr().String()))
	err := g.Wait()
	if cerr := s.Close(); cerr != nil {
		err = errors.CombineErrors(err, cerr)
	}
	return err
}

// Close stops every member and releases connections and logs.
func (s *Server) Close() error {
	s.meta.Stop()
	s.mu.Lock()
	for _, m := range s.members {
		m.Stop()
	}
	s.mu.Unlock()

	var errs error
	for _, c := range []interface{ Close() error }{s.metaPool, s.dataPool, s.logs, s.meta.Log()} {
		if err := c.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
