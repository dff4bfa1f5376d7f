package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zephyrts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
self: 10.0.0.1:9000:40000:77
seeds:
  - 10.0.0.2:9000:40000
replication_factor: 3
retention: 1h
raft:
  heartbeat_interval: 50ms
  election_timeout_min: 500ms
  election_timeout_max: 900ms
pool:
  connect_timeout: 250ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.Equal(t, time.Hour, cfg.Retention)
	assert.Equal(t, 50*time.Millisecond, cfg.Raft.HeartbeatInterval)
	assert.Equal(t, 900*time.Millisecond, cfg.Raft.ElectionTimeoutMax)
	assert.Equal(t, 64, cfg.Raft.MaxAppendEntries, "unset fields keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.ConnectTimeout)

	self, err := cfg.Node()
	require.NoError(t, err)
	assert.Equal(t, uint32(77), self.Identifier)
	seeds, err := cfg.SeedNodes()
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, 40000, seeds[0].DataPort)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"SELF_ADDR":          "10.1.1.1:7000:7001",
		"SEEDS":              "10.1.1.2:7000:7001, 10.1.1.3:7000:7001",
		"REPLICATION_FACTOR": "3",
		"ETCD_ENDPOINTS":     "http://etcd:2379",
	})))
	assert.Equal(t, "10.1.1.1:7000:7001", cfg.Self)
	assert.Equal(t, []string{"10.1.1.2:7000:7001", "10.1.1.3:7000:7001"}, cfg.Seeds)
	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.Equal(t, []string{"http://etcd:2379"}, cfg.Etcd.Endpoints)
	require.NoError(t, cfg.Validate())

	err := Default().ApplyEnv(env(map[string]string{"REPLICATION_FACTOR": "many"}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"bad self":         func(c *Config) { c.Self = "nope" },
		"bad seed":         func(c *Config) { c.Seeds = []string{"1.2.3.4"} },
		"zero rf":          func(c *Config) { c.ReplicationFactor = 0 },
		"no http":          func(c *Config) { c.HTTPAddr = "" },
		"raft timing":      func(c *Config) { c.Raft.ElectionTimeoutMin = c.Raft.HeartbeatInterval },
		"etcd without ttl": func(c *Config) { c.Etcd = Etcd{Endpoints: []string{"x"}} },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
