package activetrx

import (
	"math/rand"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/ops"
)

func TestReleaseIndex(t *testing.T) {
	q := New()

	if got := q.ReleaseIndex(10); got != 10 {
		t.Errorf("empty queue: ReleaseIndex(10) = %d, want 10", got)
	}

	q.MarkActive(5, 3)
	q.MarkActive(9, 6)
	q.MarkActive(5, 8) // no-op, 5 is tracked with index 3

	if got := q.ReleaseIndex(10); got != 2 {
		t.Errorf("ReleaseIndex(10) = %d, want 2", got)
	}

	if !q.MarkInactive(5) {
		t.Fatalf("MarkInactive(5) = false")
	}
	if got := q.ReleaseIndex(10); got != 5 {
		t.Errorf("after 5 finished: ReleaseIndex(10) = %d, want 5", got)
	}

	if q.MarkInactive(5) {
		t.Errorf("MarkInactive of an untracked transaction must return false")
	}

	q.MarkInactive(9)
	if got := q.ReleaseIndex(12); got != 12 {
		t.Errorf("all finished: ReleaseIndex(12) = %d, want 12", got)
	}
}

func TestReleaseIndexSaturatesAtZero(t *testing.T) {
	q := New()
	q.MarkActive(5, 1)
	if got := q.ReleaseIndex(4); got != 0 {
		t.Errorf("ReleaseIndex = %d, want 0", got)
	}
}

func TestInactiveMarkerInTheMiddle(t *testing.T) {
	q := New()
	q.MarkActive(1, 1)
	q.MarkActive(2, 2)
	q.MarkActive(3, 3)

	q.MarkInactive(2)
	if got := q.ReleaseIndex(3); got != 0 {
		t.Errorf("ReleaseIndex = %d, want 0 while 1 is open", got)
	}

	// finishing the front must also trim the inactive marker of 2
	q.MarkInactive(1)
	if got := q.ReleaseIndex(3); got != 2 {
		t.Errorf("ReleaseIndex = %d, want 2", got)
	}
	if len(q.markers) != 1 {
		t.Errorf("expected 1 marker, got %d", len(q.markers))
	}
}

func TestMarkActiveRequiresIncreasingIndex(t *testing.T) {
	q := New()
	q.MarkActive(1, 5)

	defer func() {
		if recover() == nil {
			t.Errorf("expected a panic for a non increasing index")
		}
	}()
	q.MarkActive(2, 5)
}

func TestClear(t *testing.T) {
	q := New()
	q.MarkActive(7, 2)
	q.MarkActive(9, 4)
	q.Clear()

	if q.Len() != 0 || q.Contains(7) || q.Contains(9) {
		t.Errorf("Clear() left transactions behind: %v", q.Transactions())
	}
	if got := q.ReleaseIndex(6); got != 6 {
		t.Errorf("ReleaseIndex after Clear = %d, want 6", got)
	}
}

// TestReleaseIndexProperty checks against a brute force model that the release index
// never passes the first index of an open transaction
func TestReleaseIndexProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		q := New()
		open := map[ops.TransactionID]ops.LogIndex{}
		var idx ops.LogIndex

		for step := 0; step < 100; step++ {
			idx++
			tid := ops.TransactionID(r.Intn(20) + 1)

			if r.Intn(3) == 0 {
				q.MarkInactive(tid)
				delete(open, tid)
			} else {
				q.MarkActive(tid, idx)
				if _, ok := open[tid]; !ok {
					open[tid] = idx
				}
			}

			want := idx
			for _, first := range open {
				if first-1 < want {
					want = first - 1
				}
			}
			if got := q.ReleaseIndex(idx); got != want {
				t.Fatalf("run %d step %d: ReleaseIndex(%d) = %d, want %d", run, step, idx, got, want)
			}
			if q.Len() != len(open) {
				t.Fatalf("run %d step %d: Len() = %d, want %d", run, step, q.Len(), len(open))
			}
		}
	}
}
