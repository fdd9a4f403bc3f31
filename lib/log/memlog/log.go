package memlog

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("memlog")

// Options configures a Log
type Options struct {
	// ManualCommit disables committing on insert, entries are committed by CommitUpTo
	ManualCommit bool
	// FirstIndex is the index of the first inserted entry
	FirstIndex ops.LogIndex
}

// DefaultOptions returns options for an auto committing log starting at index 1
func DefaultOptions() Options {
	return Options{FirstIndex: 1}
}

// Log is an in-memory replicated log with a single member. It implements rsm.ReplicatedLog.
type Log struct {
	mu           sync.Mutex
	opts         Options
	entries      []ops.Entry
	nextIndex    ops.LogIndex
	commitIndex  ops.LogIndex
	releaseIndex ops.LogIndex
	closed       bool
	// changed is closed (and replaced) whenever commitIndex changes or the log is closed
	changed chan struct{}
}

// New creates an empty log
func New(opts Options) *Log {
	if opts.FirstIndex == 0 {
		opts.FirstIndex = 1
	}
	return &Log{
		opts:         opts,
		nextIndex:    opts.FirstIndex,
		commitIndex:  opts.FirstIndex - 1,
		releaseIndex: opts.FirstIndex - 1,
		changed:      make(chan struct{}),
	}
}

func (l *Log) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Insert appends op and returns its index. The entry is committed right away unless ManualCommit is set.
func (l *Log) Insert(_ context.Context, op ops.Operation, _ bool) (ops.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, store.NewError(store.RetCShuttingDown, "log is closed")
	}
	idx := l.nextIndex
	l.nextIndex++
	l.entries = append(l.entries, ops.Entry{Index: idx, Op: op})

	if !l.opts.ManualCommit {
		l.commitIndex = idx
		l.notifyLocked()
	}
	return idx, nil
}

// WaitFor blocks until the entry at idx is committed or ctx is done
func (l *Log) WaitFor(ctx context.Context, idx ops.LogIndex) error {
	for {
		l.mu.Lock()
		if l.commitIndex >= idx {
			l.mu.Unlock()
			return nil
		}
		if l.closed {
			l.mu.Unlock()
			return store.NewError(store.RetCShuttingDown, "log is closed")
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CommitUpTo commits all entries up to idx
func (l *Log) CommitUpTo(idx ops.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last := l.nextIndex - 1; idx > last {
		idx = last
	}
	if idx > l.commitIndex {
		l.commitIndex = idx
		l.notifyLocked()
	}
}

// Release discards all entries up to idx. Lower indexes than the last release are ignored.
func (l *Log) Release(idx ops.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx <= l.releaseIndex {
		return nil
	}
	l.releaseIndex = idx

	n := 0
	for n < len(l.entries) && l.entries[n].Index <= idx {
		n++
	}
	l.entries = append([]ops.Entry(nil), l.entries[n:]...)
	log.Debugf("released log up to %d, %d entries left", idx, len(l.entries))
	return nil
}

// Entries returns an iterator over the committed, unreleased entries starting at from
func (l *Log) Entries(from ops.LogIndex) ops.EntryIterator {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ops.Entry
	for _, e := range l.entries {
		if e.Index >= from && e.Index <= l.commitIndex {
			out = append(out, e)
		}
	}
	return ops.NewSliceIterator(out)
}

// LastIndex returns the index of the last inserted entry
func (l *Log) LastIndex() ops.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextIndex - 1
}

// CommitIndex returns the index of the last committed entry
func (l *Log) CommitIndex() ops.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

// ReleaseIndex returns the highest released index
func (l *Log) ReleaseIndex() ops.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseIndex
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close fails all later inserts and wakes up all waiters
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.notifyLocked()
	}
	return nil
}
