package docstore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("docstore")

// shard holds the documents and metadata of a single shard.
//
// Lock order: lock -> data -> meta
type shard struct {
	id ops.ShardID

	// lock is the shard lock handed out by LockShard.
	// Transaction operations hold it shared for the duration of one operation.
	lock sync.RWMutex

	// data is held exclusively while a commit writes into docs and shared by
	// readers that need a consistent view (validation, ReadShard).
	data sync.RWMutex
	docs *xsync.MapOf[string, []byte]

	meta       sync.Mutex
	collection string
	properties []byte
	indexes    map[string]store.IndexDescriptor
}

func newShard(id ops.ShardID, collection string, properties []byte) *shard {
	return &shard{
		id:         id,
		docs:       xsync.NewMapOf[string, []byte](),
		collection: collection,
		properties: properties,
		indexes:    map[string]store.IndexDescriptor{},
	}
}

func (s *shard) info() store.ShardInfo {
	s.meta.Lock()
	defer s.meta.Unlock()

	indexes := make([]store.IndexDescriptor, 0, len(s.indexes))
	for _, idx := range s.indexes {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].ID < indexes[j].ID })

	return store.ShardInfo{
		ID:         s.id,
		Collection: s.collection,
		Properties: s.properties,
		Indexes:    indexes,
		Documents:  s.docs.Size(),
	}
}

// Store is an in-memory document storage engine. It implements store.IStorageEngine.
//
// Thread-safety: all methods may be called concurrently. Operations of the same
// transaction must be issued in order by the caller.
type Store struct {
	shards       *xsync.MapOf[ops.ShardID, *shard]
	transactions *xsync.MapOf[ops.TransactionID, *transaction]
	tombstones   *xsync.MapOf[ops.TransactionID, struct{}]
	closed       atomic.Bool
}

// NewStore creates an empty document store
func NewStore() *Store {
	return &Store{
		shards:       xsync.NewMapOf[ops.ShardID, *shard](),
		transactions: xsync.NewMapOf[ops.TransactionID, *transaction](),
		tombstones:   xsync.NewMapOf[ops.TransactionID, struct{}](),
	}
}

// NewEngine is a store.EngineFactory
func NewEngine() store.IStorageEngine {
	return NewStore()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return store.NewError(store.RetCShuttingDown, "document store is closed")
	}
	return nil
}

func (s *Store) getShard(id ops.ShardID) (*shard, error) {
	sh, ok := s.shards.Load(id)
	if !ok {
		return nil, store.Errorf(store.RetCShardNotFound, "shard %s not found", id)
	}
	return sh, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.IShardHandler)
// --------------------------------------------------------------------------

func (s *Store) CreateLocalShard(id ops.ShardID, collection string, properties []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, loaded := s.shards.LoadOrStore(id, newShard(id, collection, properties)); loaded {
		return store.Errorf(store.RetCDuplicateName, "shard %s already exists", id)
	}
	log.Debugf("created shard %s (collection %s)", id, collection)
	return nil
}

func (s *Store) ModifyShard(id ops.ShardID, collection string, properties []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sh, err := s.getShard(id)
	if err != nil {
		return err
	}
	sh.meta.Lock()
	defer sh.meta.Unlock()
	if collection != "" {
		sh.collection = collection
	}
	sh.properties = properties
	return nil
}

func (s *Store) DropLocalShard(id ops.ShardID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.shards.LoadAndDelete(id); !ok {
		return store.Errorf(store.RetCShardNotFound, "shard %s not found", id)
	}
	log.Debugf("dropped shard %s", id)
	return nil
}

func (s *Store) DropAllShards() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.shards.Clear()
	return nil
}

func (s *Store) LockShard(id ops.ShardID, mode store.LockMode) (func(), error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	sh, err := s.getShard(id)
	if err != nil {
		return nil, err
	}
	if mode == store.LockExclusive {
		sh.lock.Lock()
		return sh.lock.Unlock, nil
	}
	sh.lock.RLock()
	return sh.lock.RUnlock, nil
}

func (s *Store) EnsureIndex(id ops.ShardID, index []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	desc, err := parseIndex(index)
	if err != nil {
		return err
	}
	sh, err := s.getShard(id)
	if err != nil {
		return err
	}
	sh.meta.Lock()
	defer sh.meta.Unlock()
	if _, ok := sh.indexes[desc.ID]; !ok {
		sh.indexes[desc.ID] = desc
	}
	return nil
}

func (s *Store) DropIndex(id ops.ShardID, index []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	desc, err := parseIndex(index)
	if err != nil {
		return err
	}
	sh, err := s.getShard(id)
	if err != nil {
		return err
	}
	sh.meta.Lock()
	defer sh.meta.Unlock()
	if _, ok := sh.indexes[desc.ID]; !ok {
		return store.Errorf(store.RetCIndexNotFound, "index %s not found on shard %s", desc.ID, id)
	}
	delete(sh.indexes, desc.ID)
	return nil
}

// PrepareShardsForLogReplay drops all transaction state, replay starts with no open transactions
func (s *Store) PrepareShardsForLogReplay() {
	s.transactions.Clear()
	log.Infof("prepared %d shards for log replay", s.shards.Size())
}

func (s *Store) GetAvailableShards() []store.ShardInfo {
	var infos []store.ShardInfo
	s.shards.Range(func(_ ops.ShardID, sh *shard) bool {
		infos = append(infos, sh.info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (s *Store) ReadShard(id ops.ShardID) (store.ShardData, error) {
	if err := s.checkOpen(); err != nil {
		return store.ShardData{}, err
	}
	sh, err := s.getShard(id)
	if err != nil {
		return store.ShardData{}, err
	}

	sh.data.RLock()
	defer sh.data.RUnlock()

	docs := make([]store.Document, 0, sh.docs.Size())
	sh.docs.Range(func(key string, body []byte) bool {
		docs = append(docs, store.Document{Key: key, Body: body})
		return true
	})
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })

	return store.ShardData{Info: sh.info(), Documents: docs}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.ITransactionManager)
// --------------------------------------------------------------------------

func (s *Store) AbortManagedTransaction(tid ops.TransactionID) {
	s.tombstones.Store(tid, struct{}{})
	s.transactions.Delete(tid)
}

func (s *Store) IsAborted(tid ops.TransactionID) bool {
	_, ok := s.tombstones.Load(tid)
	return ok
}

// --------------------------------------------------------------------------
// Read access (not part of the replicated interface)
// --------------------------------------------------------------------------

// Get returns the committed document with the given key
func (s *Store) Get(id ops.ShardID, key string) ([]byte, bool, error) {
	sh, err := s.getShard(id)
	if err != nil {
		return nil, false, err
	}
	body, ok := sh.docs.Load(key)
	return body, ok, nil
}

// Count returns the number of committed documents of a shard
func (s *Store) Count(id ops.ShardID) (int, error) {
	sh, err := s.getShard(id)
	if err != nil {
		return 0, err
	}
	return sh.docs.Size(), nil
}

// Close marks the store as closed, all later operations fail with store.RetCShuttingDown
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
