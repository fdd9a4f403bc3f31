package ops

// LogIndex is the position of an entry in the replicated log.
// Indexes are assigned by the log and strictly increase.
type LogIndex uint64

// Entry is a committed log entry.
type Entry struct {
	Index LogIndex
	Op    Operation
}

// EntryIterator iterates committed entries in log order.
// Next returns false once the iterator is exhausted.
type EntryIterator interface {
	Next() (Entry, bool)
}

// sliceIterator is an EntryIterator over a slice
type sliceIterator struct {
	entries []Entry
	pos     int
}

// NewSliceIterator returns an EntryIterator over entries. The slice is not copied.
func NewSliceIterator(entries []Entry) EntryIterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) Next() (Entry, bool) {
	if it.pos >= len(it.entries) {
		return Entry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

// Collect drains an iterator into a slice.
func Collect(it EntryIterator) []Entry {
	var out []Entry
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		out = append(out, e)
	}
	return out
}
