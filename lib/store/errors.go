package store

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with the given code and a formatted message.
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess                  RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                           // 1: Operation failed due to an internal error.
	RetCUnsupportedOperation                    // 2: Operation is not supported.
	RetCInvalidOperation                        // 3: Invalid operation.
	RetCShardNotFound                           // 4: The target shard does not exist.
	RetCDuplicateName                           // 5: A shard with the name already exists.
	RetCIndexNotFound                           // 6: The target index does not exist.
	RetCUniqueConstraintViolated                // 7: A document with the key already exists.
	RetCDocumentNotFound                        // 8: The target document does not exist.
	RetCTransactionAborted                      // 9: The transaction was aborted by a resigning leader.
	RetCShuttingDown                            // 10: The storage engine is shutting down.
	RetCNotLeader                               // 11: The replica is not (or no longer) the leader, or has resigned.
	RetCSnapshotNotFound                        // 12: The snapshot does not exist or is stale.
	RetCSnapshotSuperseded                      // 13: A newer snapshot transfer was started.
	RetCTimeout                                 // 14: Waiting for the log or a remote replica timed out.
	RetCUnavailable                             // 15: The remote replica could not be reached.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCShardNotFound:
		return "ShardNotFound"
	case RetCDuplicateName:
		return "DuplicateName"
	case RetCIndexNotFound:
		return "IndexNotFound"
	case RetCUniqueConstraintViolated:
		return "UniqueConstraintViolated"
	case RetCDocumentNotFound:
		return "DocumentNotFound"
	case RetCTransactionAborted:
		return "TransactionAborted"
	case RetCShuttingDown:
		return "ShuttingDown"
	case RetCNotLeader:
		return "NotLeader"
	case RetCSnapshotNotFound:
		return "SnapshotNotFound"
	case RetCSnapshotSuperseded:
		return "SnapshotSuperseded"
	case RetCTimeout:
		return "Timeout"
	case RetCUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(c))
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// CodeOf returns the RetCode of the first *Error in err's chain.
// It returns RetCSuccess for nil and RetCInternalError for errors without a code.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code RetCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsLeadershipLost reports whether the operation was rejected because the replica
// is not the leader or resigned. Callers should retry against the new leader.
func IsLeadershipLost(err error) bool {
	return HasCode(err, RetCNotLeader)
}

// IsTransient reports whether the caller may retry the operation.
// The state machine itself never retries these.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case RetCTimeout, RetCUnavailable, RetCSnapshotSuperseded, RetCSnapshotNotFound:
		return true
	default:
		return false
	}
}
