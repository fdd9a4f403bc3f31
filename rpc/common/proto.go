package common

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Operation fields
	Kind       ops.Kind `json:"kind,omitempty"`       // Used for: TrxOp
	Tid        uint64   `json:"tid,omitempty"`        // Used for: TrxOp, Begin (response)
	Shard      string   `json:"shard,omitempty"`      // Used for: DDL operations, TrxOp
	Collection string   `json:"collection,omitempty"` // Used for: CreateShard, ModifyShard, DropShard
	Properties []byte   `json:"properties,omitempty"` // Used for: CreateShard, ModifyShard
	Index      []byte   `json:"index,omitempty"`      // Used for: CreateIndex, DropIndex
	Payload    []byte   `json:"payload,omitempty"`    // Used for: TrxOp

	// Replication options
	WaitForCommit bool `json:"waitForCommit,omitempty"` // Used for: TrxOp
	WaitForSync   bool `json:"waitForSync,omitempty"`   // Used for: TrxOp

	// Snapshot fields
	SnapshotID  string   `json:"snapshotId,omitempty"`  // Used for: SnapshotStart (response), SnapshotNext, SnapshotFinish
	Destination string   `json:"destination,omitempty"` // Used for: SnapshotStart
	Shards      []string `json:"shards,omitempty"`      // Used for: SnapshotStart
	Version     uint64   `json:"version,omitempty"`     // Used for: snapshot batches
	Operations  [][]byte `json:"operations,omitempty"`  // Used for: snapshot batches, each a serialized ops.Operation
	HasMore     bool     `json:"hasMore,omitempty"`     // Used for: snapshot batches

	// Response only fields
	LogIndex uint64 `json:"logIndex,omitempty"` // Used for: TrxOp, snapshot batches
	Value    []byte `json:"value,omitempty"`    // Used for: Status (JSON encoded)
	ErrCode  uint64 `json:"errCode,omitempty"`  // store.RetCode of the error
	Err      string `json:"err,omitempty"`      // Empty if no error, otherwise contains the error message
}

// Operation returns the operation carried by a TrxOp or DDL message
func (m *Message) Operation() ops.Operation {
	return ops.Operation{
		Kind:       m.Kind,
		Tid:        ops.TransactionID(m.Tid),
		Shard:      ops.ShardID(m.Shard),
		Collection: m.Collection,
		Properties: m.Properties,
		Index:      m.Index,
		Payload:    m.Payload,
	}
}

// AsError returns the error of a response as *store.Error or nil
func (m *Message) AsError() error {
	if m.MsgType != MsgTError && m.Err == "" {
		return nil
	}
	code := store.RetCode(m.ErrCode)
	if code == store.RetCSuccess {
		code = store.RetCInternalError
	}
	return store.NewError(code, strings.TrimPrefix(m.Err, code.String()+": "))
}

// withError sets the error fields of a response
func (m *Message) withError(err error) *Message {
	if err != nil {
		m.ErrCode = uint64(store.CodeOf(err))
		m.Err = err.Error()
	}
	return m
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewResponse creates a response of type t without payload
func NewResponse(t MessageType, err error) *Message {
	return (&Message{MsgType: t}).withError(err)
}

// NewDataDefinitionRequest creates a request for a shard or index operation
func NewDataDefinitionRequest(op ops.Operation) *Message {
	var t MessageType
	switch op.Kind {
	case ops.KindCreateShard:
		t = MsgTCreateShard
	case ops.KindModifyShard:
		t = MsgTModifyShard
	case ops.KindDropShard:
		t = MsgTDropShard
	case ops.KindCreateIndex:
		t = MsgTCreateIndex
	case ops.KindDropIndex:
		t = MsgTDropIndex
	default:
		t = MsgTUnknown
	}
	return &Message{
		MsgType:    t,
		Shard:      string(op.Shard),
		Collection: op.Collection,
		Properties: op.Properties,
		Index:      op.Index,
	}
}

// NewDataDefinitionResponse creates a response for a shard or index operation
func NewDataDefinitionResponse(t MessageType, err error) *Message {
	return (&Message{MsgType: t}).withError(err)
}

// NewBeginRequest creates a request for a new transaction id
func NewBeginRequest() *Message {
	return &Message{MsgType: MsgTBegin}
}

// NewBeginResponse creates a Begin response
func NewBeginResponse(tid ops.TransactionID, err error) *Message {
	return (&Message{MsgType: MsgTBegin, Tid: uint64(tid)}).withError(err)
}

// NewTrxOpRequest creates a request for a transaction operation
func NewTrxOpRequest(op ops.Operation, waitForCommit, waitForSync bool) *Message {
	return &Message{
		MsgType:       MsgTTrxOp,
		Kind:          op.Kind,
		Tid:           uint64(op.Tid),
		Shard:         string(op.Shard),
		Payload:       op.Payload,
		WaitForCommit: waitForCommit,
		WaitForSync:   waitForSync,
	}
}

// NewTrxOpResponse creates a TrxOp response
func NewTrxOpResponse(idx ops.LogIndex, err error) *Message {
	return (&Message{MsgType: MsgTTrxOp, LogIndex: uint64(idx)}).withError(err)
}

// NewAbortAllRequest creates a request that aborts all transactions of the leader
func NewAbortAllRequest() *Message {
	return &Message{MsgType: MsgTAbortAll}
}

// NewAbortAllResponse creates an AbortAll response
func NewAbortAllResponse(err error) *Message {
	return (&Message{MsgType: MsgTAbortAll}).withError(err)
}

// NewSnapshotStartRequest creates a SnapshotStart request
func NewSnapshotStartRequest(destination string, shards []ops.ShardID) *Message {
	msg := &Message{MsgType: MsgTSnapshotStart, Destination: destination}
	for _, s := range shards {
		msg.Shards = append(msg.Shards, string(s))
	}
	return msg
}

// NewSnapshotNextRequest creates a SnapshotNext request
func NewSnapshotNextRequest(id string) *Message {
	return &Message{MsgType: MsgTSnapshotNext, SnapshotID: id}
}

// NewSnapshotBatchResponse creates the response of SnapshotStart and SnapshotNext
func NewSnapshotBatchResponse(t MessageType, id string, version uint64, logIndex ops.LogIndex, operations []ops.Operation, hasMore bool, err error) *Message {
	msg := &Message{
		MsgType:    t,
		SnapshotID: id,
		Version:    version,
		LogIndex:   uint64(logIndex),
		HasMore:    hasMore,
	}
	for i := range operations {
		msg.Operations = append(msg.Operations, operations[i].Serialize())
	}
	return msg.withError(err)
}

// NewSnapshotFinishRequest creates a SnapshotFinish request
func NewSnapshotFinishRequest(id string) *Message {
	return &Message{MsgType: MsgTSnapshotFinish, SnapshotID: id}
}

// NewSnapshotFinishResponse creates a SnapshotFinish response
func NewSnapshotFinishResponse(err error) *Message {
	return (&Message{MsgType: MsgTSnapshotFinish}).withError(err)
}

// NewStatusRequest creates a Status request
func NewStatusRequest() *Message {
	return &Message{MsgType: MsgTStatus}
}

// NewStatusResponse creates a Status response, status is encoded as JSON
func NewStatusResponse(status any) *Message {
	msg := &Message{MsgType: MsgTStatus}
	data, err := json.Marshal(status)
	if err != nil {
		return msg.withError(store.Errorf(store.RetCInternalError, "failed to encode status: %v", err))
	}
	msg.Value = data
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err error) *Message {
	return (&Message{MsgType: MsgTError}).withError(err)
}

// --------------------------------------------------------------------------
// Message Types
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns a string representation of the message type
func (t MessageType) String() string {
	switch t {
	case MsgTSuccess:
		return "Success"
	case MsgTError:
		return "Error"
	case MsgTCreateShard:
		return "CreateShard"
	case MsgTModifyShard:
		return "ModifyShard"
	case MsgTDropShard:
		return "DropShard"
	case MsgTCreateIndex:
		return "CreateIndex"
	case MsgTDropIndex:
		return "DropIndex"
	case MsgTBegin:
		return "Begin"
	case MsgTTrxOp:
		return "TrxOp"
	case MsgTAbortAll:
		return "AbortAll"
	case MsgTSnapshotStart:
		return "SnapshotStart"
	case MsgTSnapshotNext:
		return "SnapshotNext"
	case MsgTSnapshotFinish:
		return "SnapshotFinish"
	case MsgTStatus:
		return "Status"
	default:
		return "Unknown"
	}
}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	return t > MsgTUnknown && t <= msgTLast
}

// MarshalJSON converts MessageType to its string representation for JSON
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON converts a JSON string to MessageType
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for c := MsgTUnknown; c <= msgTLast; c++ {
		if c.String() == s {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Shard and index operations (leader only)

	MsgTCreateShard // Create a shard
	MsgTModifyShard // Change the properties of a shard
	MsgTDropShard   // Drop a shard and abort its transactions
	MsgTCreateIndex // Create an index
	MsgTDropIndex   // Drop an index

	// Transaction operations (leader only)

	MsgTBegin    // Allocate a new transaction id
	MsgTTrxOp    // Execute a mutation or boundary of a transaction
	MsgTAbortAll // Abort all transactions

	// Snapshot transfer (leader only)

	MsgTSnapshotStart  // Start a snapshot and return the first batch
	MsgTSnapshotNext   // Return the next batch of a snapshot
	MsgTSnapshotFinish // Drop a snapshot

	// Status of the replica (any role)

	MsgTStatus

	msgTLast = MsgTStatus
)
