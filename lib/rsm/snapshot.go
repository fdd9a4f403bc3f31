package rsm

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/google/uuid"
)

// snapshotTransactionID is the transaction that carries the documents of a snapshot.
// Legacy tagged ids never collide with leader ids or ids derived for followers.
func snapshotTransactionID(version uint64) ops.TransactionID {
	return ops.TransactionID(version<<2 | uint64(ops.RoleLegacy))
}

// snapshot is a point-in-time copy of the shards of a leader that is handed out in batches
type snapshot struct {
	id          string
	destination string
	version     uint64
	logIndex    ops.LogIndex
	shards      []store.ShardData

	structureSent bool
	shardPos      int
	docPos        int
}

// nextBatch returns the next batch. The first batch starts with the operations that
// recreate the shards and indexes, documents follow as inserts that are committed
// within the same batch.
func (s *snapshot) nextBatch(size int) *SnapshotBatch {
	b := &SnapshotBatch{SnapshotID: s.id, Version: s.version, LogIndex: s.logIndex}

	if !s.structureSent {
		for _, sd := range s.shards {
			b.Operations = append(b.Operations, ops.CreateShard(sd.Info.ID, sd.Info.Collection, sd.Info.Properties))
			for _, idx := range sd.Info.Indexes {
				enc, err := json.Marshal(idx)
				if err != nil {
					log.Warningf("skipping index %s of shard %s in snapshot: %v", idx.ID, sd.Info.ID, err)
					continue
				}
				b.Operations = append(b.Operations, ops.CreateIndex(sd.Info.ID, enc))
			}
		}
		s.structureSent = true
	}

	tid := snapshotTransactionID(s.version)
	remaining := size
	inserts := 0
	for remaining > 0 && s.shardPos < len(s.shards) {
		sd := s.shards[s.shardPos]
		end := min(s.docPos+remaining, len(sd.Documents))
		if end > s.docPos {
			b.Operations = append(b.Operations, ops.Insert(tid, sd.Info.ID, encodeDocuments(sd.Documents[s.docPos:end])))
			remaining -= end - s.docPos
			inserts++
		}
		s.docPos = end
		if s.docPos >= len(sd.Documents) {
			s.shardPos++
			s.docPos = 0
		}
	}
	if inserts > 0 {
		b.Operations = append(b.Operations, ops.Commit(tid))
	}

	b.HasMore = s.shardPos < len(s.shards)
	return b
}

// encodeDocuments builds the JSON array payload of an insert
func encodeDocuments(docs []store.Document) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, d := range docs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(d.Body)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// snapshotRegistry holds the snapshots of a leader. Starting a snapshot
// invalidates all older snapshots of the same destination.
type snapshotRegistry struct {
	mu        sync.Mutex
	batchSize int
	version   uint64
	snapshots map[string]*snapshot
}

func newSnapshotRegistry(batchSize int) *snapshotRegistry {
	return &snapshotRegistry{batchSize: batchSize, snapshots: map[string]*snapshot{}}
}

func (r *snapshotRegistry) start(destination string, position ops.LogIndex, shards []store.ShardData) *SnapshotBatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.version++
	for id, s := range r.snapshots {
		if s.destination == destination {
			log.Debugf("invalidating snapshot %s of %q", id, destination)
			delete(r.snapshots, id)
		}
	}

	s := &snapshot{
		id:          uuid.NewString(),
		destination: destination,
		version:     r.version,
		logIndex:    position,
		shards:      shards,
	}
	r.snapshots[s.id] = s
	return s.nextBatch(r.batchSize)
}

func (r *snapshotRegistry) next(id string) (*SnapshotBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.snapshots[id]
	if !ok {
		return nil, store.Errorf(store.RetCSnapshotNotFound, "snapshot %s not found", id)
	}
	return s.nextBatch(r.batchSize), nil
}

func (r *snapshotRegistry) finish(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshots[id]; !ok {
		return store.Errorf(store.RetCSnapshotNotFound, "snapshot %s not found", id)
	}
	delete(r.snapshots, id)
	return nil
}

func (r *snapshotRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = map[string]*snapshot{}
}

func (r *snapshotRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}
