package raft

import "github.com/cockroachdb/errors"

var (
	// ErrNotLeader is returned when a proposal reaches a member that does not lead its group.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrAlreadyStarted is returned by a second call to Member.Start.
	ErrAlreadyStarted = errors.New("raft: member already started")

	// ErrStopped is returned when an operation reaches a stopped member.
	ErrStopped = errors.New("raft: member stopped")

	// ErrLeadershipLost is returned to a proposal whose leader stepped down before it applied.
	ErrLeadershipLost = errors.New("raft: leadership lost")

	// ErrIndexMismatch is returned when an appended entry does not extend the log.
	ErrIndexMismatch = errors.New("raft: entry index does not extend the log")

	// ErrTruncateCommitted is returned when truncation would drop committed entries.
	ErrTruncateCommitted = errors.New("raft: cannot truncate committed entries")

	ErrLogClosed = errors.New("raft: log closed")
)
