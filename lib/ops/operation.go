package ops

import "fmt"

// ShardID identifies a shard (a partition of a collection) inside a shard-replica.
type ShardID string

// Kind defines the possible operations of the replicated log.
type Kind uint8

const (
	KindInsert             Kind = iota + 1 // Insert documents into a shard.
	KindUpdate                             // Partially update existing documents.
	KindReplace                            // Replace existing documents.
	KindRemove                             // Remove existing documents.
	KindTruncate                           // Remove all documents of a shard.
	KindCommit                             // Commit a transaction.
	KindAbort                              // Abort a transaction.
	KindIntermediateCommit                 // Commit the writes of a transaction so far, the transaction stays open.
	KindAbortAllOngoingTrx                 // Abort every open transaction.
	KindCreateShard                        // Create a shard.
	KindDropShard                          // Drop a shard.
	KindModifyShard                        // Change the properties of a shard.
	KindCreateIndex                        // Create an index on a shard.
	KindDropIndex                          // Drop an index of a shard.
)

// AllKinds returns every defined Kind in declaration order.
func AllKinds() []Kind {
	return []Kind{
		KindInsert, KindUpdate, KindReplace, KindRemove, KindTruncate,
		KindCommit, KindAbort, KindIntermediateCommit,
		KindAbortAllOngoingTrx,
		KindCreateShard, KindDropShard, KindModifyShard, KindCreateIndex, KindDropIndex,
	}
}

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindReplace:
		return "Replace"
	case KindRemove:
		return "Remove"
	case KindTruncate:
		return "Truncate"
	case KindCommit:
		return "Commit"
	case KindAbort:
		return "Abort"
	case KindIntermediateCommit:
		return "IntermediateCommit"
	case KindAbortAllOngoingTrx:
		return "AbortAllOngoingTrx"
	case KindCreateShard:
		return "CreateShard"
	case KindDropShard:
		return "DropShard"
	case KindModifyShard:
		return "ModifyShard"
	case KindCreateIndex:
		return "CreateIndex"
	case KindDropIndex:
		return "DropIndex"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindInsert && k <= KindDropIndex
}

// --------------------------------------------------------------------------
// Categories and predicates
// --------------------------------------------------------------------------

// Category groups the kinds by the way the pipelines treat them.
type Category uint8

const (
	CategoryDataMutation   Category = iota + 1 // belongs to a user transaction and changes data
	CategoryBoundary                           // finishes (or intermediately commits) a user transaction
	CategoryAbortAll                           // the global abort
	CategoryDataDefinition                     // shard and index DDL
)

func (c Category) String() string {
	switch c {
	case CategoryDataMutation:
		return "DataMutation"
	case CategoryBoundary:
		return "Boundary"
	case CategoryAbortAll:
		return "AbortAll"
	case CategoryDataDefinition:
		return "DataDefinition"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Category returns the category of the kind.
// This is the only place where kinds are grouped, a new kind must be added here.
// It panics for undefined kinds.
func (k Kind) Category() Category {
	switch k {
	case KindInsert, KindUpdate, KindReplace, KindRemove, KindTruncate:
		return CategoryDataMutation
	case KindCommit, KindAbort, KindIntermediateCommit:
		return CategoryBoundary
	case KindAbortAllOngoingTrx:
		return CategoryAbortAll
	case KindCreateShard, KindDropShard, KindModifyShard, KindCreateIndex, KindDropIndex:
		return CategoryDataDefinition
	default:
		panic(fmt.Sprintf("ops: unhandled operation kind %s", k))
	}
}

// ModifiesUserTransaction reports whether the kind is a data mutation of a user transaction.
func (k Kind) ModifiesUserTransaction() bool {
	return k.Category() == CategoryDataMutation
}

// FinishesUserTransaction reports whether the kind is Commit or Abort.
func (k Kind) FinishesUserTransaction() bool {
	return k == KindCommit || k == KindAbort
}

// FinishesUserTransactionOrIntermediate reports whether the kind is Commit, Abort or IntermediateCommit.
func (k Kind) FinishesUserTransactionOrIntermediate() bool {
	return k.Category() == CategoryBoundary
}

// IsDataDefinition reports whether the kind is one of the shard or index DDL kinds.
func (k Kind) IsDataDefinition() bool {
	return k.Category() == CategoryDataDefinition
}

// HasTransaction reports whether operations of this kind carry a transaction id.
func (k Kind) HasTransaction() bool {
	c := k.Category()
	return c == CategoryDataMutation || c == CategoryBoundary
}

// --------------------------------------------------------------------------
// Operation
// --------------------------------------------------------------------------

// Operation is a single entry of the replicated log of a shard-replica.
// Which fields are used depends on the Kind:
//
//   - data mutations: Tid, Shard, Payload (a JSON array of documents, empty for Truncate)
//   - Commit, Abort, IntermediateCommit: Tid
//   - AbortAllOngoingTrx: nothing
//   - CreateShard, ModifyShard: Shard, Collection, Properties (JSON object)
//   - DropShard: Shard, Collection
//   - CreateIndex: Shard, Index (JSON index descriptor)
//   - DropIndex: Shard, Index (JSON index descriptor, only the id is required)
type Operation struct {
	Kind       Kind
	Tid        TransactionID
	Shard      ShardID
	Collection string
	Properties []byte
	Index      []byte
	Payload    []byte
}

// ModifiesUserTransaction see Kind.ModifiesUserTransaction
func (op Operation) ModifiesUserTransaction() bool { return op.Kind.ModifiesUserTransaction() }

// FinishesUserTransaction see Kind.FinishesUserTransaction
func (op Operation) FinishesUserTransaction() bool { return op.Kind.FinishesUserTransaction() }

// FinishesUserTransactionOrIntermediate see Kind.FinishesUserTransactionOrIntermediate
func (op Operation) FinishesUserTransactionOrIntermediate() bool {
	return op.Kind.FinishesUserTransactionOrIntermediate()
}

// IsDataDefinition see Kind.IsDataDefinition
func (op Operation) IsDataDefinition() bool { return op.Kind.IsDataDefinition() }

// WithTransaction returns a copy of op that belongs to the transaction tid.
func (op Operation) WithTransaction(tid TransactionID) Operation {
	op.Tid = tid
	return op
}

// Validate checks the structural invariants of the operation.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %d", op.Kind)
	}
	if op.Kind.HasTransaction() && op.Tid == 0 {
		return fmt.Errorf("%s requires a transaction id", op.Kind)
	}
	if !op.Kind.HasTransaction() && op.Tid != 0 {
		return fmt.Errorf("%s must not carry a transaction id", op.Kind)
	}
	if (op.Kind.ModifiesUserTransaction() || op.Kind.IsDataDefinition()) && op.Shard == "" {
		return fmt.Errorf("%s requires a shard", op.Kind)
	}
	return nil
}

func (op Operation) String() string {
	switch op.Kind.Category() {
	case CategoryDataMutation:
		return fmt.Sprintf("%s{tid=%s, shard=%s, payload=%dB}", op.Kind, op.Tid, op.Shard, len(op.Payload))
	case CategoryBoundary:
		return fmt.Sprintf("%s{tid=%s}", op.Kind, op.Tid)
	case CategoryAbortAll:
		return op.Kind.String()
	default:
		return fmt.Sprintf("%s{shard=%s}", op.Kind, op.Shard)
	}
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// Insert creates an Insert operation. payload is a JSON array of documents.
func Insert(tid TransactionID, shard ShardID, payload []byte) Operation {
	return Operation{Kind: KindInsert, Tid: tid, Shard: shard, Payload: payload}
}

// Update creates an Update operation. payload is a JSON array of partial documents carrying a _key.
func Update(tid TransactionID, shard ShardID, payload []byte) Operation {
	return Operation{Kind: KindUpdate, Tid: tid, Shard: shard, Payload: payload}
}

// Replace creates a Replace operation. payload is a JSON array of documents carrying a _key.
func Replace(tid TransactionID, shard ShardID, payload []byte) Operation {
	return Operation{Kind: KindReplace, Tid: tid, Shard: shard, Payload: payload}
}

// Remove creates a Remove operation. payload is a JSON array of documents carrying a _key.
func Remove(tid TransactionID, shard ShardID, payload []byte) Operation {
	return Operation{Kind: KindRemove, Tid: tid, Shard: shard, Payload: payload}
}

// Truncate creates a Truncate operation.
func Truncate(tid TransactionID, shard ShardID) Operation {
	return Operation{Kind: KindTruncate, Tid: tid, Shard: shard}
}

// Commit creates a Commit operation.
func Commit(tid TransactionID) Operation {
	return Operation{Kind: KindCommit, Tid: tid}
}

// Abort creates an Abort operation.
func Abort(tid TransactionID) Operation {
	return Operation{Kind: KindAbort, Tid: tid}
}

// IntermediateCommit creates an IntermediateCommit operation.
func IntermediateCommit(tid TransactionID) Operation {
	return Operation{Kind: KindIntermediateCommit, Tid: tid}
}

// AbortAll creates an AbortAllOngoingTrx operation.
func AbortAll() Operation {
	return Operation{Kind: KindAbortAllOngoingTrx}
}

// CreateShard creates a CreateShard operation.
func CreateShard(shard ShardID, collection string, properties []byte) Operation {
	return Operation{Kind: KindCreateShard, Shard: shard, Collection: collection, Properties: properties}
}

// ModifyShard creates a ModifyShard operation.
func ModifyShard(shard ShardID, collection string, properties []byte) Operation {
	return Operation{Kind: KindModifyShard, Shard: shard, Collection: collection, Properties: properties}
}

// DropShard creates a DropShard operation.
func DropShard(shard ShardID, collection string) Operation {
	return Operation{Kind: KindDropShard, Shard: shard, Collection: collection}
}

// CreateIndex creates a CreateIndex operation.
func CreateIndex(shard ShardID, index []byte) Operation {
	return Operation{Kind: KindCreateIndex, Shard: shard, Index: index}
}

// DropIndex creates a DropIndex operation.
func DropIndex(shard ShardID, index []byte) Operation {
	return Operation{Kind: KindDropIndex, Shard: shard, Index: index}
}
