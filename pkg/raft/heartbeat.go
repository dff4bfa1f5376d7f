package raft

import (
	"context"
	"time"
)

// The heartbeat loop is the timing half of the state machine. It runs on the
// member's errgroup, so Stop returns only after the last tick has finished.

func (m *Member) runHeartbeat(parent, ctx context.Context) error {
	t := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-parent.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-t.C():
			m.tick()
		}
	}
}

// tick is one heartbeat interval: leaders replicate, everyone else checks the
// election timeout.
func (m *Member) tick() {
	if m.stopped.Load() {
		return
	}
	m.mu.Lock()
	if m.role == Leader {
		m.mu.Unlock()
		m.broadcastAppend()
		return
	}
	if m.clock.Now().Sub(m.lastHeard) < m.electionTimeout {
		m.mu.Unlock()
		return
	}
	req, won := m.campaignLocked()
	m.mu.Unlock()
	if won {
		m.broadcastAppend()
		return
	}
	m.requestVotes(req)
}

func (m *Member) randomElectionTimeout() time.Duration {
	lo, hi := m.cfg.ElectionTimeoutMin, m.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(m.rng.Int64N(int64(hi-lo)))
}
