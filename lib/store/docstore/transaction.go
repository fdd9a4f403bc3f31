package docstore

import (
	"sync"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// shardWrites buffers the writes of one transaction on one shard.
// A nil value in docs marks a removed document.
type shardWrites struct {
	truncated bool
	docs      map[string][]byte
}

// transaction buffers all writes until (intermediate) commit, an abort simply drops the buffer
type transaction struct {
	tid        ops.TransactionID
	firstIndex ops.LogIndex

	mu     sync.Mutex
	writes map[ops.ShardID]*shardWrites
}

func newTransaction(tid ops.TransactionID, index ops.LogIndex) *transaction {
	return &transaction{
		tid:        tid,
		firstIndex: index,
		writes:     map[ops.ShardID]*shardWrites{},
	}
}

// lookup returns the document as seen by the transaction.
// Requires t.mu and sh.data (shared).
func (t *transaction) lookup(sh *shard, key string) ([]byte, bool) {
	if w, ok := t.writes[sh.id]; ok {
		if body, ok := w.docs[key]; ok {
			return body, body != nil
		}
		if w.truncated {
			return nil, false
		}
	}
	return sh.docs.Load(key)
}

func (t *transaction) shardWrites(id ops.ShardID) *shardWrites {
	w, ok := t.writes[id]
	if !ok {
		w = &shardWrites{docs: map[string][]byte{}}
		t.writes[id] = w
	}
	return w
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.ITransactionHandler)
// --------------------------------------------------------------------------

func (s *Store) ApplyEntry(index ops.LogIndex, op ops.Operation) error {
	return s.applyEntry(index, op, false)
}

func (s *Store) ReplayEntry(index ops.LogIndex, op ops.Operation) error {
	return s.applyEntry(index, op, true)
}

func (s *Store) applyEntry(index ops.LogIndex, op ops.Operation, replay bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	switch op.Kind.Category() {
	case ops.CategoryDataMutation:
		return s.applyMutation(index, op, replay)
	case ops.CategoryAbortAll:
		n := s.transactions.Size()
		s.transactions.Clear()
		log.Debugf("aborted all %d open transactions", n)
		return nil
	case ops.CategoryBoundary:
		if s.IsAborted(op.Tid) {
			if op.Kind == ops.KindAbort {
				return nil
			}
			return store.Errorf(store.RetCTransactionAborted, "transaction %s was aborted", op.Tid)
		}
		switch op.Kind {
		case ops.KindAbort:
			s.transactions.Delete(op.Tid)
			return nil
		case ops.KindCommit:
			trx, ok := s.transactions.LoadAndDelete(op.Tid)
			if !ok {
				return nil
			}
			return s.commit(trx)
		default: // intermediate commit
			trx, ok := s.transactions.Load(op.Tid)
			if !ok {
				return nil
			}
			return s.commit(trx)
		}
	default:
		return store.Errorf(store.RetCInvalidOperation, "%s is not a transaction operation", op.Kind)
	}
}

func (s *Store) GetTransactionsForShard(id ops.ShardID) []ops.TransactionID {
	var tids []ops.TransactionID
	s.transactions.Range(func(tid ops.TransactionID, trx *transaction) bool {
		trx.mu.Lock()
		_, ok := trx.writes[id]
		trx.mu.Unlock()
		if ok {
			tids = append(tids, tid)
		}
		return true
	})
	return tids
}

func (s *Store) GetUnfinishedTransactions() map[ops.TransactionID]ops.LogIndex {
	result := map[ops.TransactionID]ops.LogIndex{}
	s.transactions.Range(func(tid ops.TransactionID, trx *transaction) bool {
		result[tid] = trx.firstIndex
		return true
	})
	return result
}

func (s *Store) RemoveTransaction(tid ops.TransactionID) {
	s.transactions.Delete(tid)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// applyMutation validates the complete operation first, so a failing operation
// leaves the transaction unchanged. On replay conflicting documents are skipped
// and only the remaining ones are staged.
func (s *Store) applyMutation(index ops.LogIndex, op ops.Operation, replay bool) error {
	if s.IsAborted(op.Tid) {
		return store.Errorf(store.RetCTransactionAborted, "transaction %s was aborted", op.Tid)
	}

	sh, err := s.getShard(op.Shard)
	if err != nil {
		return err
	}

	var docs []document
	if op.Kind != ops.KindTruncate {
		if docs, err = parseDocuments(op.Payload); err != nil {
			return err
		}
	}

	sh.lock.RLock()
	defer sh.lock.RUnlock()

	trx, _ := s.transactions.LoadOrCompute(op.Tid, func() *transaction {
		return newTransaction(op.Tid, index)
	})

	trx.mu.Lock()
	defer trx.mu.Unlock()

	sh.data.RLock()
	staged, skipped, err := stage(trx, sh, op.Kind, docs, replay)
	sh.data.RUnlock()

	if err != nil {
		// do not keep an empty transaction around if its first operation failed
		if len(trx.writes) == 0 {
			s.transactions.Compute(op.Tid, func(old *transaction, loaded bool) (*transaction, bool) {
				return old, !loaded || old == trx
			})
		}
		return err
	}
	if skipped > 0 {
		log.Debugf("transaction %s: skipped %d conflicting documents of replayed %s at index %d", op.Tid, skipped, op.Kind, index)
	}

	w := trx.shardWrites(sh.id)
	if op.Kind == ops.KindTruncate {
		w.truncated = true
		w.docs = map[string][]byte{}
		return nil
	}
	for key, body := range staged {
		w.docs[key] = body
	}
	return nil
}

// stage computes the new document versions of a mutation without changing the transaction.
// If skipConflicts is set, documents that already exist (insert) or do not exist
// (update, replace, remove) are left out and counted instead of failing the mutation.
func stage(trx *transaction, sh *shard, kind ops.Kind, docs []document, skipConflicts bool) (map[string][]byte, int, error) {
	staged := make(map[string][]byte, len(docs))
	skipped := 0

	visible := func(key string) ([]byte, bool) {
		if body, ok := staged[key]; ok {
			return body, body != nil
		}
		return trx.lookup(sh, key)
	}

	for _, doc := range docs {
		old, exists := visible(doc.key)

		switch kind {
		case ops.KindInsert:
			if exists {
				if skipConflicts {
					skipped++
					continue
				}
				return nil, 0, store.Errorf(store.RetCUniqueConstraintViolated, "document %s/%s already exists", sh.id, doc.key)
			}
			body, err := doc.encode()
			if err != nil {
				return nil, 0, store.NewError(store.RetCInvalidOperation, err.Error())
			}
			staged[doc.key] = body

		case ops.KindUpdate, ops.KindReplace, ops.KindRemove:
			if !exists {
				if skipConflicts {
					skipped++
					continue
				}
				return nil, 0, store.Errorf(store.RetCDocumentNotFound, "document %s/%s not found", sh.id, doc.key)
			}
			var body []byte
			var err error
			switch kind {
			case ops.KindUpdate:
				body, err = doc.merge(old)
			case ops.KindReplace:
				body, err = doc.encode()
			}
			if err != nil {
				return nil, 0, store.NewError(store.RetCInternalError, err.Error())
			}
			staged[doc.key] = body // nil for remove
		}
	}
	return staged, skipped, nil
}

// commit writes the buffered writes into the shards and resets the buffer.
// Writes to shards that were dropped in the meantime are discarded.
func (s *Store) commit(trx *transaction) error {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	for id, w := range trx.writes {
		sh, ok := s.shards.Load(id)
		if !ok {
			log.Debugf("transaction %s: discarding writes to dropped shard %s", trx.tid, id)
			continue
		}

		sh.lock.RLock()
		sh.data.Lock()
		if w.truncated {
			sh.docs.Clear()
		}
		for key, body := range w.docs {
			if body == nil {
				sh.docs.Delete(key)
			} else {
				sh.docs.Store(key, body)
			}
		}
		sh.data.Unlock()
		sh.lock.RUnlock()
	}

	trx.writes = map[ops.ShardID]*shardWrites{}
	return nil
}
