package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// PoolConfig tunes connection setup.
type PoolConfig struct {
	// ConnectTimeout bounds how long a new connection may take to become ready.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// BreakerThreshold is the number of consecutive failures that open an
	// address's breaker.
	BreakerThreshold int64 `yaml:"breaker_threshold"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{ConnectTimeout: time.Second, BreakerThreshold: 5}
}

// ClientManager caches one gRPC connection and one circuit breaker per
// address. It never retries on its own: a caller that sees a transport
// failure discards the connection and asks again later.
type ClientManager struct {
	cfg    PoolConfig
	opts   []grpc.DialOption
	logger *zap.Logger

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*circuit.Breaker
	closed   bool
}

// NewClientManager returns a manager dialing with opts in addition to
// insecure transport credentials.
func NewClientManager(cfg PoolConfig, logger *zap.Logger, opts ...grpc.DialOption) *ClientManager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultPoolConfig().ConnectTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultPoolConfig().BreakerThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Codec)),
	}
	return &ClientManager{
		cfg:      cfg,
		opts:     append(dialOpts, opts...),
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*circuit.Breaker),
	}
}

func (m *ClientManager) breakerLocked(addr string) *circuit.Breaker {
	b, ok := m.breakers[addr]
	if !ok {
		b = circuit.NewConsecutiveBreaker(m.cfg.BreakerThreshold)
		m.breakers[addr] = b
	}
	return b
}

// Conn returns a ready connection to addr, dialing if needed. Dialing waits
// at most ConnectTimeout. An open breaker fails fast without dialing.
func (m *ClientManager) Conn(ctx context.Context, addr string) (*grpc.ClientConn, *circuit.Breaker, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrClosed
	}
	br := m.breakerLocked(addr)
	if cc, ok := m.conns[addr]; ok {
		m.mu.Unlock()
		return cc, br, nil
	}
	m.mu.Unlock()

	if !br.Ready() {
		return nil, nil, errors.Wrapf(ErrPeerUnavailable, "%s: breaker open", addr)
	}

	m.logger.Debug("dialing", zap.String("addr", addr))
	cc, err := grpc.NewClient("passthrough:///"+addr, m.opts...)
	if err != nil {
		br.Fail()
		return nil, nil, errors.Wrapf(ErrPeerUnavailable, "%s: %v", addr, err)
	}
	if err := waitReady(ctx, cc, m.cfg.ConnectTimeout); err != nil {
		_ = cc.Close()
		br.Fail()
		return nil, nil, errors.Wrapf(ErrPeerUnavailable, "%s: %v", addr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = cc.Close()
		return nil, nil, ErrClosed
	}
	if existing, ok := m.conns[addr]; ok {
		// lost a race with another dialer
		_ = cc.Close()
		return existing, br, nil
	}
	m.conns[addr] = cc
	return cc, br, nil
}

// waitReady kicks the connection out of idle and waits for it to become
// ready, failing on the first transient failure or after timeout.
func waitReady(ctx context.Context, cc *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cc.Connect()
	for {
		s := cc.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure:
			return errors.New("connection failed")
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		}
		if !cc.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}

// Discard closes and forgets cc if it is still the connection cached for
// addr. A stale handle never closes a connection dialed after it. The breaker
// is kept.
func (m *ClientManager) Discard(addr string, cc *grpc.ClientConn) {
	m.mu.Lock()
	cur, ok := m.conns[addr]
	ok = ok && cur == cc
	if ok {
		delete(m.conns, addr)
	}
	m.mu.Unlock()
	if ok {
		m.logger.Debug("discarding connection", zap.String("addr", addr))
		_ = cc.Close()
	}
}

// Len reports the number of cached connections.
func (m *ClientManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *ClientManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
	m.mu.Unlock()

	var errs error
	for addr, cc := range conns {
		if err := cc.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "closing %s", addr))
		}
	}
	return errs
}

// invoke runs one unary call and feeds the outcome to the address's breaker.
func invoke(ctx context.Context, cc *grpc.ClientConn, br *circuit.Breaker, fullMethod string, req, resp any) error {
	err := cc.Invoke(ctx, fullMethod, req, resp)
	if errors.Is(ctx.Err(), context.Canceled) {
		// the caller gave up; says nothing about the peer
		return err
	}
	if br != nil {
		if IsTransportError(err) {
			br.Fail()
		} else {
			br.Success()
		}
	}
	return err
}
