package raft

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/ryandielhenn/zephyrts/pkg/cluster"
)

type EntryType uint8

const (
	EntryNormal EntryType = iota
	// EntryNoop is appended by a new leader so entries of earlier terms can commit.
	EntryNoop
)

// Entry is one consensus log record. Indices start at 1.
type Entry struct {
	Index uint64    `json:"index"`
	Term  uint64    `json:"term"`
	Type  EntryType `json:"type"`
	Data  []byte    `json:"data,omitempty"`
}

// HardState is the part of a member's state that must survive restarts.
type HardState struct {
	Term     uint64       `json:"term"`
	VotedFor cluster.Node `json:"voted_for"`
}

// Applier receives committed entries in index order.
type Applier interface {
	Apply(e Entry)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(Entry)

func (f ApplierFunc) Apply(e Entry) { f(e) }

// LogManager is the storage side of one group's log. Implementations persist
// entries and hard state however they like; CommitTo must hand committed
// entries to the Applier in index order without blocking the caller.
type LogManager interface {
	// Append adds entries that directly extend the log and returns the new last index.
	Append(entries ...Entry) (uint64, error)
	// EntriesFrom returns up to max entries starting at index; max <= 0 means all.
	EntriesFrom(index uint64, max int) []Entry
	// Term returns the term of the entry at index. Index 0 has term 0.
	Term(index uint64) (uint64, bool)
	LastIndex() uint64
	LastTerm() uint64
	// TruncateAfter drops every entry above index.
	TruncateAfter(index uint64) error
	CommitIndex() uint64
	CommitTo(index uint64) error
	AppliedIndex() uint64
	HardState() HardState
	SetHardState(HardState) error
	SetApplier(Applier)
	Close() error
}

// MemoryLogManager keeps the log in a B-tree ordered by index and applies
// committed entries on its own goroutine.
type MemoryLogManager struct {
	mu      sync.Mutex
	entries *btree.BTreeG[Entry]
	commit  uint64
	applied uint64
	hard    HardState
	applier Applier
	closed  bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ LogManager = (*MemoryLogManager)(nil)

func NewMemoryLogManager() *MemoryLogManager {
	l := &MemoryLogManager{
		entries: btree.NewG(32, func(a, b Entry) bool { return a.Index < b.Index }),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.applyLoop()
	return l
}

func (l *MemoryLogManager) Append(entries ...Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}
	last := l.lastIndexLocked()
	for _, e := range entries {
		if e.Index != last+1 {
			return last, errors.Wrapf(ErrIndexMismatch, "append index %d after %d", e.Index, last)
		}
		l.entries.ReplaceOrInsert(e)
		last = e.Index
	}
	return last, nil
}

func (l *MemoryLogManager) EntriesFrom(index uint64, max int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	l.entries.AscendGreaterOrEqual(Entry{Index: index}, func(e Entry) bool {
		out = append(out, e)
		return max <= 0 || len(out) < max
	})
	return out
}

func (l *MemoryLogManager) Term(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries.Get(Entry{Index: index})
	return e.Term, ok
}

func (l *MemoryLogManager) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndexLocked()
}

func (l *MemoryLogManager) LastTerm() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, _ := l.entries.Max()
	return e.Term
}

func (l *MemoryLogManager) lastIndexLocked() uint64 {
	e, _ := l.entries.Max()
	return e.Index
}

func (l *MemoryLogManager) TruncateAfter(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.commit {
		return errors.Wrapf(ErrTruncateCommitted, "truncate after %d, commit is %d", index, l.commit)
	}
	for {
		e, ok := l.entries.Max()
		if !ok || e.Index <= index {
			return nil
		}
		l.entries.DeleteMax()
	}
}

func (l *MemoryLogManager) CommitIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commit
}

// CommitTo advances the commit index; it never moves backwards or past the
// last entry.
func (l *MemoryLogManager) CommitTo(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	if last := l.lastIndexLocked(); index > last {
		return errors.Newf("raft: commit %d beyond last index %d", index, last)
	}
	if index <= l.commit {
		return nil
	}
	l.commit = index
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

func (l *MemoryLogManager) AppliedIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}

func (l *MemoryLogManager) HardState() HardState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hard
}

func (l *MemoryLogManager) SetHardState(hs HardState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	l.hard = hs
	return nil
}

// SetApplier installs the commit hook. Entries committed while no applier is
// installed are held back until one is.
func (l *MemoryLogManager) SetApplier(a Applier) {
	l.mu.Lock()
	l.applier = a
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *MemoryLogManager) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *MemoryLogManager) applyLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.notify:
		}
		for {
			l.mu.Lock()
			applier := l.applier
			if applier == nil || l.applied >= l.commit {
				l.mu.Unlock()
				break
			}
			var batch []Entry
			l.entries.AscendRange(Entry{Index: l.applied + 1}, Entry{Index: l.commit + 1}, func(e Entry) bool {
				batch = append(batch, e)
				return true
			})
			l.mu.Unlock()

			// the lock is not held while applying; the applier may call back into the member
			for _, e := range batch {
				applier.Apply(e)
				l.mu.Lock()
				l.applied = e.Index
				l.mu.Unlock()
			}
		}
	}
}
