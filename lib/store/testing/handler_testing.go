package testing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// RunHandlerTests runs a comprehensive test suite for a storage engine implementation.
func RunHandlerTests(t *testing.T, name string, factory store.EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("ShardLifecycle", func(t *testing.T) {
			testShardLifecycle(t, factory())
		})

		t.Run("Indexes", func(t *testing.T) {
			testIndexes(t, factory())
		})

		t.Run("CommitMakesWritesVisible", func(t *testing.T) {
			testCommit(t, factory())
		})

		t.Run("AbortDiscardsWrites", func(t *testing.T) {
			testAbort(t, factory())
		})

		t.Run("Conflicts", func(t *testing.T) {
			testConflicts(t, factory())
		})

		t.Run("ReplaySkipsConflictingDocuments", func(t *testing.T) {
			testReplayConflicts(t, factory())
		})

		t.Run("UpdateReplaceRemoveTruncate", func(t *testing.T) {
			testMutations(t, factory())
		})

		t.Run("IntermediateCommit", func(t *testing.T) {
			testIntermediateCommit(t, factory())
		})

		t.Run("UnknownTransactionBoundaries", func(t *testing.T) {
			testUnknownBoundaries(t, factory())
		})

		t.Run("AbortAll", func(t *testing.T) {
			testAbortAll(t, factory())
		})

		t.Run("TransactionTracking", func(t *testing.T) {
			testTransactionTracking(t, factory())
		})

		t.Run("Tombstones", func(t *testing.T) {
			testTombstones(t, factory())
		})

		t.Run("ExclusiveShardLock", func(t *testing.T) {
			testExclusiveLock(t, factory())
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func expectCode(t testing.TB, err error, code store.RetCode) {
	t.Helper()
	if got := store.CodeOf(err); got != code {
		t.Errorf("expected %s, got %v", code, err)
	}
}

func mustApply(t testing.TB, e store.IStorageEngine, index ops.LogIndex, op ops.Operation) {
	t.Helper()
	if err := e.ApplyEntry(index, op); err != nil {
		t.Fatalf("ApplyEntry(%s) failed: %v", op, err)
	}
}

func mustCreateShard(t testing.TB, e store.IStorageEngine, shard ops.ShardID) {
	t.Helper()
	if err := e.CreateLocalShard(shard, "c", nil); err != nil {
		t.Fatalf("CreateLocalShard(%s) failed: %v", shard, err)
	}
}

// documents returns the committed documents of a shard decoded as JSON objects
func documents(t testing.TB, e store.IStorageEngine, shard ops.ShardID) map[string]map[string]interface{} {
	t.Helper()
	data, err := e.ReadShard(shard)
	if err != nil {
		t.Fatalf("ReadShard(%s) failed: %v", shard, err)
	}
	result := map[string]map[string]interface{}{}
	for _, doc := range data.Documents {
		var fields map[string]interface{}
		if err := json.Unmarshal(doc.Body, &fields); err != nil {
			t.Fatalf("document %s is not valid JSON: %v", doc.Key, err)
		}
		result[doc.Key] = fields
	}
	return result
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testShardLifecycle(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	expectCode(t, e.CreateLocalShard("s1", "c", nil), store.RetCDuplicateName)

	if err := e.ModifyShard("s1", "c", []byte(`{"waitForSync":true}`)); err != nil {
		t.Errorf("ModifyShard failed: %v", err)
	}
	expectCode(t, e.ModifyShard("missing", "c", nil), store.RetCShardNotFound)

	shards := e.GetAvailableShards()
	if len(shards) != 1 || shards[0].ID != "s1" || string(shards[0].Properties) != `{"waitForSync":true}` {
		t.Errorf("GetAvailableShards() = %+v", shards)
	}

	if err := e.DropLocalShard("s1"); err != nil {
		t.Errorf("DropLocalShard failed: %v", err)
	}
	expectCode(t, e.DropLocalShard("s1"), store.RetCShardNotFound)

	mustCreateShard(t, e, "a")
	mustCreateShard(t, e, "b")
	if err := e.DropAllShards(); err != nil {
		t.Errorf("DropAllShards failed: %v", err)
	}
	if n := len(e.GetAvailableShards()); n != 0 {
		t.Errorf("expected no shards after DropAllShards, got %d", n)
	}
}

func testIndexes(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	idx := []byte(`{"id":"idx1","type":"persistent","fields":["name"]}`)

	if err := e.EnsureIndex("s1", idx); err != nil {
		t.Fatalf("EnsureIndex failed: %v", err)
	}
	if err := e.EnsureIndex("s1", idx); err != nil {
		t.Errorf("EnsureIndex must be idempotent: %v", err)
	}
	expectCode(t, e.EnsureIndex("missing", idx), store.RetCShardNotFound)
	expectCode(t, e.EnsureIndex("s1", []byte(`{}`)), store.RetCInvalidOperation)

	if got := e.GetAvailableShards()[0].Indexes; len(got) != 1 || got[0].ID != "idx1" {
		t.Errorf("indexes = %+v", got)
	}

	if err := e.DropIndex("s1", []byte(`{"id":"idx1"}`)); err != nil {
		t.Errorf("DropIndex failed: %v", err)
	}
	expectCode(t, e.DropIndex("s1", []byte(`{"id":"idx1"}`)), store.RetCIndexNotFound)
	expectCode(t, e.DropIndex("missing", []byte(`{"id":"idx1"}`)), store.RetCShardNotFound)
}

func testCommit(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(5, "s1", []byte(`[{"_key":"a","v":1},{"_key":"b","v":2}]`)))

	if n := len(documents(t, e, "s1")); n != 0 {
		t.Errorf("uncommitted writes are visible: %d documents", n)
	}

	mustApply(t, e, 2, ops.Commit(5))

	docs := documents(t, e, "s1")
	if len(docs) != 2 || docs["a"]["v"] != float64(1) || docs["b"]["v"] != float64(2) {
		t.Errorf("documents after commit = %v", docs)
	}
	if len(e.GetUnfinishedTransactions()) != 0 {
		t.Errorf("committed transaction is still unfinished")
	}
}

func testAbort(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(5, "s1", []byte(`[{"_key":"a"}]`)))
	mustApply(t, e, 2, ops.Abort(5))

	if n := len(documents(t, e, "s1")); n != 0 {
		t.Errorf("aborted writes are visible: %d documents", n)
	}
}

func testConflicts(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(5, "s1", []byte(`[{"_key":"a"}]`)))
	mustApply(t, e, 2, ops.Commit(5))

	expectCode(t, e.ApplyEntry(3, ops.Insert(9, "s1", []byte(`[{"_key":"a"}]`))), store.RetCUniqueConstraintViolated)
	expectCode(t, e.ApplyEntry(4, ops.Insert(9, "s1", []byte(`[{"_key":"x"},{"_key":"x"}]`))), store.RetCUniqueConstraintViolated)
	expectCode(t, e.ApplyEntry(5, ops.Update(9, "s1", []byte(`[{"_key":"missing"}]`))), store.RetCDocumentNotFound)
	expectCode(t, e.ApplyEntry(6, ops.Replace(9, "s1", []byte(`[{"_key":"missing"}]`))), store.RetCDocumentNotFound)
	expectCode(t, e.ApplyEntry(7, ops.Remove(9, "s1", []byte(`[{"_key":"missing"}]`))), store.RetCDocumentNotFound)
	expectCode(t, e.ApplyEntry(8, ops.Insert(9, "missing", []byte(`[{"_key":"a"}]`))), store.RetCShardNotFound)
	expectCode(t, e.ApplyEntry(9, ops.Insert(9, "s1", []byte(`[{"v":1}]`))), store.RetCInvalidOperation)

	// a failed first operation must not leave an open transaction behind
	if _, ok := e.GetUnfinishedTransactions()[9]; ok {
		t.Errorf("failed operations opened transaction 9")
	}

	// a failed operation inside a transaction leaves its earlier writes intact
	mustApply(t, e, 10, ops.Insert(13, "s1", []byte(`[{"_key":"b"}]`)))
	expectCode(t, e.ApplyEntry(11, ops.Insert(13, "s1", []byte(`[{"_key":"c"},{"_key":"a"}]`))), store.RetCUniqueConstraintViolated)
	mustApply(t, e, 12, ops.Commit(13))

	docs := documents(t, e, "s1")
	if _, ok := docs["b"]; !ok {
		t.Errorf("document b missing after commit")
	}
	if _, ok := docs["c"]; ok {
		t.Errorf("document c of a failed operation was committed")
	}
}

func testReplayConflicts(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(5, "s1", []byte(`[{"_key":"a","v":1},{"_key":"c","v":1}]`)))
	mustApply(t, e, 2, ops.Commit(5))

	replay := func(index ops.LogIndex, op ops.Operation) {
		t.Helper()
		if err := e.ReplayEntry(index, op); err != nil {
			t.Fatalf("ReplayEntry(%s) failed: %v", op, err)
		}
	}

	// only the conflicting document of each operation is skipped
	replay(3, ops.Insert(9, "s1", []byte(`[{"_key":"a","v":2},{"_key":"b","v":2}]`)))
	replay(4, ops.Update(9, "s1", []byte(`[{"_key":"missing","v":2},{"_key":"c","v":2}]`)))
	replay(5, ops.Remove(9, "s1", []byte(`[{"_key":"gone"}]`)))
	replay(6, ops.Commit(9))

	docs := documents(t, e, "s1")
	if len(docs) != 3 {
		t.Errorf("expected documents a, b and c, got %v", docs)
	}
	if docs["a"]["v"] != float64(1) || docs["b"]["v"] != float64(2) || docs["c"]["v"] != float64(2) {
		t.Errorf("unexpected documents after replay: %v", docs)
	}

	// errors other than document conflicts are still reported
	expectCode(t, e.ReplayEntry(7, ops.Insert(13, "missing", []byte(`[{"_key":"a"}]`))), store.RetCShardNotFound)
	expectCode(t, e.ReplayEntry(8, ops.Insert(13, "s1", []byte(`[{"v":1}]`))), store.RetCInvalidOperation)

	// ApplyEntry keeps rejecting the whole operation
	expectCode(t, e.ApplyEntry(9, ops.Insert(17, "s1", []byte(`[{"_key":"d"},{"_key":"a"}]`))), store.RetCUniqueConstraintViolated)
	if _, ok := e.GetUnfinishedTransactions()[17]; ok {
		t.Errorf("rejected operation opened transaction 17")
	}
}

func testMutations(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(5, "s1", []byte(`[{"_key":"a","x":1,"y":1},{"_key":"b","x":1},{"_key":"c"}]`)))
	mustApply(t, e, 2, ops.Commit(5))

	mustApply(t, e, 3, ops.Update(9, "s1", []byte(`[{"_key":"a","y":2}]`)))
	mustApply(t, e, 4, ops.Replace(9, "s1", []byte(`[{"_key":"b","z":3}]`)))
	mustApply(t, e, 5, ops.Remove(9, "s1", []byte(`[{"_key":"c"}]`)))
	// the transaction sees its own writes
	expectCode(t, e.ApplyEntry(6, ops.Remove(9, "s1", []byte(`[{"_key":"c"}]`))), store.RetCDocumentNotFound)
	mustApply(t, e, 7, ops.Commit(9))

	docs := documents(t, e, "s1")
	if docs["a"]["x"] != float64(1) || docs["a"]["y"] != float64(2) {
		t.Errorf("update must merge fields, got %v", docs["a"])
	}
	if _, ok := docs["b"]["x"]; ok || docs["b"]["z"] != float64(3) {
		t.Errorf("replace must replace the document, got %v", docs["b"])
	}
	if _, ok := docs["c"]; ok {
		t.Errorf("removed document is still visible")
	}

	mustApply(t, e, 8, ops.Truncate(13, "s1"))
	mustApply(t, e, 9, ops.Insert(13, "s1", []byte(`[{"_key":"a"}]`)))
	mustApply(t, e, 10, ops.Commit(13))

	docs = documents(t, e, "s1")
	if len(docs) != 1 {
		t.Errorf("expected only the document inserted after truncate, got %v", docs)
	}
}

func testIntermediateCommit(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(5, "s1", []byte(`[{"_key":"a"}]`)))
	mustApply(t, e, 2, ops.IntermediateCommit(5))

	if n := len(documents(t, e, "s1")); n != 1 {
		t.Errorf("intermediate commit must make writes visible, got %d documents", n)
	}
	if _, ok := e.GetUnfinishedTransactions()[5]; !ok {
		t.Errorf("transaction must stay open after an intermediate commit")
	}

	mustApply(t, e, 3, ops.Insert(5, "s1", []byte(`[{"_key":"b"}]`)))
	mustApply(t, e, 4, ops.Abort(5))

	docs := documents(t, e, "s1")
	if _, ok := docs["a"]; !ok || len(docs) != 1 {
		t.Errorf("abort after intermediate commit must keep the committed part only, got %v", docs)
	}
}

func testUnknownBoundaries(t *testing.T, e store.IStorageEngine) {
	for i, op := range []ops.Operation{ops.Commit(101), ops.Abort(105), ops.IntermediateCommit(109)} {
		if err := e.ApplyEntry(ops.LogIndex(i+1), op); err != nil {
			t.Errorf("%s for an unknown transaction failed: %v", op, err)
		}
	}
}

func testAbortAll(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(7, "s1", []byte(`[{"_key":"a"}]`)))
	mustApply(t, e, 2, ops.Insert(9, "s1", []byte(`[{"_key":"b"}]`)))
	mustApply(t, e, 3, ops.AbortAll())

	if n := len(e.GetUnfinishedTransactions()); n != 0 {
		t.Errorf("expected no open transactions after abort all, got %d", n)
	}
	// the old transaction id now refers to nothing
	mustApply(t, e, 4, ops.Commit(7))
	if n := len(documents(t, e, "s1")); n != 0 {
		t.Errorf("aborted writes became visible: %d documents", n)
	}
}

func testTransactionTracking(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustCreateShard(t, e, "s2")
	mustApply(t, e, 3, ops.Insert(5, "s1", []byte(`[{"_key":"a"}]`)))
	mustApply(t, e, 4, ops.Insert(9, "s2", []byte(`[{"_key":"a"}]`)))
	mustApply(t, e, 7, ops.Insert(5, "s2", []byte(`[{"_key":"b"}]`)))

	unfinished := e.GetUnfinishedTransactions()
	if unfinished[5] != 3 || unfinished[9] != 4 {
		t.Errorf("GetUnfinishedTransactions() = %v, want first indexes 5:3 and 9:4", unfinished)
	}

	if got := e.GetTransactionsForShard("s1"); len(got) != 1 || got[0] != 5 {
		t.Errorf("GetTransactionsForShard(s1) = %v", got)
	}
	if got := e.GetTransactionsForShard("s2"); len(got) != 2 {
		t.Errorf("GetTransactionsForShard(s2) = %v", got)
	}

	e.RemoveTransaction(5)
	if _, ok := e.GetUnfinishedTransactions()[5]; ok {
		t.Errorf("RemoveTransaction did not remove the transaction")
	}
}

func testTombstones(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	mustApply(t, e, 1, ops.Insert(5, "s1", []byte(`[{"_key":"a"}]`)))

	e.AbortManagedTransaction(5)
	if !e.IsAborted(5) {
		t.Fatalf("IsAborted(5) = false after AbortManagedTransaction")
	}

	expectCode(t, e.ApplyEntry(2, ops.Commit(5)), store.RetCTransactionAborted)
	expectCode(t, e.ApplyEntry(3, ops.Insert(5, "s1", []byte(`[{"_key":"b"}]`))), store.RetCTransactionAborted)
	if err := e.ApplyEntry(4, ops.Abort(5)); err != nil {
		t.Errorf("abort of an aborted transaction failed: %v", err)
	}
	if n := len(documents(t, e, "s1")); n != 0 {
		t.Errorf("writes of an aborted transaction are visible")
	}
}

func testExclusiveLock(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")

	unlock, err := e.LockShard("s1", store.LockExclusive)
	if err != nil {
		t.Fatalf("LockShard failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- e.ApplyEntry(1, ops.Insert(5, "s1", []byte(`[{"_key":"a"}]`)))
	}()

	select {
	case <-done:
		t.Fatalf("mutation was applied while the shard was locked exclusively")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	if err := <-done; err != nil {
		t.Errorf("mutation after unlock failed: %v", err)
	}

	_, err = e.LockShard("missing", store.LockShared)
	expectCode(t, err, store.RetCShardNotFound)
}

func testClose(t *testing.T, e store.IStorageEngine) {
	mustCreateShard(t, e, "s1")
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	expectCode(t, e.ApplyEntry(1, ops.Insert(5, "s1", []byte(`[{"_key":"a"}]`))), store.RetCShuttingDown)
	expectCode(t, e.CreateLocalShard("s2", "c", nil), store.RetCShuttingDown)
}
