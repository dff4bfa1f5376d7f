package raft

import (
	"context"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
)

// VoteRequest is sent by candidates to gather votes. Header names the group
// so one server can route requests for many groups.
type VoteRequest struct {
	Header       cluster.Node `json:"header"`
	Term         uint64       `json:"term"`
	Candidate    cluster.Node `json:"candidate"`
	LastLogIndex uint64       `json:"last_log_index"`
	LastLogTerm  uint64       `json:"last_log_term"`
}

type VoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// AppendRequest replicates entries; with no entries it is a heartbeat.
type AppendRequest struct {
	Header       cluster.Node `json:"header"`
	Term         uint64       `json:"term"`
	Leader       cluster.Node `json:"leader"`
	PrevLogIndex uint64       `json:"prev_log_index"`
	PrevLogTerm  uint64       `json:"prev_log_term"`
	Entries      []Entry      `json:"entries,omitempty"`
	LeaderCommit uint64       `json:"leader_commit"`
}

// AppendResponse carries the follower's last index so a rejected leader can
// skip back in one step instead of one entry at a time.
type AppendResponse struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LastLogIndex uint64 `json:"last_log_index"`
}

// Client is an asynchronous handle to one peer. Calls return immediately; the
// completion handler runs once with either a response or an error.
type Client interface {
	RequestVote(ctx context.Context, req *VoteRequest, done func(*VoteResponse, error))
	AppendEntries(ctx context.Context, req *AppendRequest, done func(*AppendResponse, error))
}

// Connector is the contract-specific part of a member: it knows which service
// and which port of a peer to talk to.
type Connector interface {
	// Connect returns a client for n, blocking at most for the connect timeout.
	Connect(ctx context.Context, n cluster.Node) (Client, error)
	// Release reports that a call through c to n failed with err. The
	// connector decides whether the connection behind c is broken and must be
	// rebuilt; other failures leave it alone.
	Release(n cluster.Node, c Client, err error)
	// Contract names the service for logs and metrics.
	Contract() string
}
