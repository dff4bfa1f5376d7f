package discovery

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
)

const DefaultPrefix = "/zephyrts/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// EventType says whether a node appeared or went away.
type EventType int

const (
	NodeUp EventType = iota
	NodeDown
)

func (t EventType) String() string {
	if t == NodeUp {
		return "up"
	}
	return "down"
}

// Event is one change observed under the registry prefix. For NodeDown only
// the identifier of Node is known.
type Event struct {
	Type EventType
	Node cluster.Node
}

// Registry publishes this node under a leased key and reports the other
// nodes found under the same prefix.
type Registry struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	logger *zap.Logger
}

func NewRegistry(cli *clientv3.Client, prefix string, ttlSeconds int64, logger *zap.Logger) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cli: cli, prefix: prefix, ttl: ttlSeconds, logger: logger}
}

// Key returns the key n is published under.
func (r *Registry) Key(n cluster.Node) string {
	return r.prefix + strconv.FormatUint(uint64(n.Identifier), 10)
}

// Register publishes n with a lease kept alive until ctx ends.
func (r *Registry) Register(ctx context.Context, n cluster.Node) (clientv3.LeaseID, error) {
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return 0, errors.Wrap(err, "granting lease")
	}
	val, err := EncodeNode(n)
	if err != nil {
		return 0, err
	}
	if _, err := r.cli.Put(ctx, r.Key(n), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return 0, errors.Wrapf(err, "publishing %s", n)
	}

	ka, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, errors.Wrap(err, "keeping lease alive")
	}
	go func() {
		for range ka {
		}
		r.logger.Info("lease keepalive ended", zap.Int64("lease", int64(lease.ID)))
	}()
	return lease.ID, nil
}

// Deregister revokes the lease, removing the published key.
func (r *Registry) Deregister(ctx context.Context, id clientv3.LeaseID) error {
	_, err := r.cli.Revoke(ctx, id)
	return errors.Wrap(err, "revoking lease")
}

// Peers returns every node currently published.
func (r *Registry) Peers(ctx context.Context) ([]cluster.Node, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "listing peers")
	}
	nodes := make([]cluster.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		n, err := DecodeNode(kv.Value)
		if err != nil {
			r.logger.Warn("skipping malformed registration", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Watch calls fn for every change under the prefix until ctx ends.
func (r *Registry) Watch(ctx context.Context, fn func(Event)) {
	for resp := range r.cli.Watch(ctx, r.prefix, clientv3.WithPrefix()) {
		if err := resp.Err(); err != nil {
			r.logger.Warn("watch error", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			if e, ok := r.toEvent(ev.Type, ev.Kv); ok {
				fn(e)
			}
		}
	}
}

func (r *Registry) toEvent(t mvccpb.Event_EventType, kv *mvccpb.KeyValue) (Event, bool) {
	switch t {
	case mvccpb.PUT:
		n, err := DecodeNode(kv.Value)
		if err != nil {
			r.logger.Warn("skipping malformed registration", zap.ByteString("key", kv.Key), zap.Error(err))
			return Event{}, false
		}
		return Event{Type: NodeUp, Node: n}, true
	case mvccpb.DELETE:
		id, err := strconv.ParseUint(strings.TrimPrefix(string(kv.Key), r.prefix), 10, 32)
		if err != nil {
			return Event{}, false
		}
		return Event{Type: NodeDown, Node: cluster.Node{Identifier: uint32(id)}}, true
	}
	return Event{}, false
}

func EncodeNode(n cluster.Node) ([]byte, error) {
	if n.IsZero() {
		return nil, errors.New("discovery: cannot publish a zero node")
	}
	return json.Marshal(n)
}

func DecodeNode(b []byte) (cluster.Node, error) {
	var n cluster.Node
	if err := json.Unmarshal(b, &n); err != nil {
		return cluster.Node{}, errors.Wrap(err, "decoding node")
	}
	if n.IsZero() || n.IP == "" {
		return cluster.Node{}, errors.Newf("discovery: incomplete node %q", b)
	}
	return n, nil
}
