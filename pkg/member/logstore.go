package member

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/raft"
)

// ErrLogStoreClosed is returned by ForGroup after Close.
var ErrLogStoreClosed = errors.New("member: log store closed")

// LogStore hands out one log per group, keyed by the group's header. Asking
// twice for the same header returns the same log, so a member recreated for a
// group picks up where the previous one stopped.
type LogStore interface {
	ForGroup(header cluster.Node) (raft.LogManager, error)
	// Drop closes and forgets a group's log.
	Drop(header cluster.Node) error
	Close() error
}

// MemoryLogStore keeps every log in memory.
type MemoryLogStore struct {
	mu     sync.Mutex
	logs   map[cluster.Node]*raft.MemoryLogManager
	closed bool
}

var _ LogStore = (*MemoryLogStore)(nil)

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{logs: make(map[cluster.Node]*raft.MemoryLogManager)}
}

func (s *MemoryLogStore) ForGroup(header cluster.Node) (raft.LogManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrLogStoreClosed
	}
	l, ok := s.logs[header]
	if !ok {
		l = raft.NewMemoryLogManager()
		s.logs[header] = l
	}
	return l, nil
}

func (s *MemoryLogStore) Drop(header cluster.Node) error {
	s.mu.Lock()
	l, ok := s.logs[header]
	delete(s.logs, header)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Close()
}

func (s *MemoryLogStore) Close() error {
	s.mu.Lock()
	logs := s.logs
	s.logs = make(map[cluster.Node]*raft.MemoryLogManager)
	s.closed = true
	s.mu.Unlock()

	var errs error
	for header, l := range logs {
		if err := l.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "closing log of %s", header))
		}
	}
	return errs
}
