// Package config holds the settings of one zephyrts process.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
)

var ErrInvalidConfig = errors.New("invalid config")

type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	LeaseTTL  int64    `yaml:"lease_ttl"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	// Self is this node as ip:metaPort:dataPort[:identifier].
	Self  string   `yaml:"self"`
	Seeds []string `yaml:"seeds"`

	HTTPAddr          string `yaml:"http_addr"`
	ReplicationFactor int    `yaml:"replication_factor"`
	// MaxMetaNodes bounds the control-plane group, which otherwise holds
	// every node.
	MaxMetaNodes int `yaml:"max_meta_nodes"`

	StoreCapacity int           `yaml:"store_capacity_bytes"`
	Retention     time.Duration `yaml:"retention"`

	// ReconcileInterval is how often the meta leader admits registered nodes
	// missing from the ring.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	Raft raft.Config    `yaml:"raft"`
	Pool rpc.PoolConfig `yaml:"pool"`
	Etcd Etcd           `yaml:"etcd"`
	Log  Log            `yaml:"log"`
}

func Default() *Config {
	return &Config{
		Self:              "127.0.0.1:9000:40000",
		HTTPAddr:          ":8080",
		ReplicationFactor: 2,
		MaxMetaNodes:      1024,
		StoreCapacity:     64 << 20,
		ReconcileInterval: 5 * time.Second,
		Raft:              raft.DefaultConfig(),
		Pool:              rpc.DefaultPoolConfig(),
		Etcd:              Etcd{Prefix: "/zephyrts/nodes/", LeaseTTL: 10},
		Log:               Log{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SELF_ADDR, SEEDS, HTTP_ADDR,
// REPLICATION_FACTOR and ETCD_ENDPOINTS.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SELF_ADDR"); ok && v != "" {
		c.Self = v
	}
	if v, ok := lookup("SEEDS"); ok && v != "" {
		c.Seeds = splitList(v)
	}
	if v, ok := lookup("HTTP_ADDR"); ok && v != "" {
		c.HTTPAddr = v
	}
	if v, ok := lookup("REPLICATION_FACTOR"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "REPLICATION_FACTOR=%q", v)
		}
		c.ReplicationFactor = n
	}
	if v, ok := lookup("ETCD_ENDPOINTS"); ok && v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if _, err := c.Node(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "self: %v", err)
	}
	if _, err := c.SeedNodes(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "seeds: %v", err)
	}
	switch {
	case c.HTTPAddr == "":
		return errors.Wrap(ErrInvalidConfig, "http_addr is empty")
	case c.ReplicationFactor < 1:
		return errors.Wrapf(ErrInvalidConfig, "replication_factor %d < 1", c.ReplicationFactor)
	case c.MaxMetaNodes < 1:
		return errors.Wrapf(ErrInvalidConfig, "max_meta_nodes %d < 1", c.MaxMetaNodes)
	case c.StoreCapacity < 0:
		return errors.Wrap(ErrInvalidConfig, "store_capacity_bytes is negative")
	case c.ReconcileInterval <= 0:
		return errors.Wrap(ErrInvalidConfig, "reconcile_interval must be positive")
	case len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTL <= 0:
		return errors.Wrap(ErrInvalidConfig, "etcd lease_ttl must be positive")
	}
	if err := c.Raft.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	return nil
}

// Node parses Self.
func (c *Config) Node() (cluster.Node, error) {
	return cluster.ParseNode(c.Self)
}

// SeedNodes parses Seeds.
func (c *Config) SeedNodes() ([]cluster.Node, error) {
	nodes := make([]cluster.Node, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		n, err := cluster.ParseNode(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
