package rsm

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// Decision is the outcome of classifying an apply error
type Decision uint8

const (
	// Propagate means the error must be reported (and is fatal on followers).
	Propagate Decision = iota
	// Ignore means the error is an expected consequence of replaying entries
	// that are already (partially) reflected in the local state.
	Ignore
)

func (d Decision) String() string {
	switch d {
	case Propagate:
		return "Propagate"
	case Ignore:
		return "Ignore"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(d))
	}
}

// Classify decides whether the error of applying op can be ignored.
// A nil error is always ignorable. The decision depends only on the kind of the
// operation and the code of the error.
func Classify(op ops.Operation, err error) Decision {
	if err == nil {
		return Ignore
	}
	code := store.CodeOf(err)

	switch op.Kind {
	case ops.KindCreateShard:
		return ignoreIf(code == store.RetCDuplicateName)
	case ops.KindDropShard, ops.KindModifyShard, ops.KindCreateIndex:
		return ignoreIf(code == store.RetCShardNotFound)
	case ops.KindDropIndex:
		return ignoreIf(code == store.RetCIndexNotFound || code == store.RetCShardNotFound)
	case ops.KindInsert:
		return ignoreIf(code == store.RetCUniqueConstraintViolated || code == store.RetCShardNotFound)
	case ops.KindUpdate, ops.KindReplace, ops.KindRemove:
		return ignoreIf(code == store.RetCDocumentNotFound || code == store.RetCShardNotFound)
	case ops.KindTruncate, ops.KindCommit, ops.KindAbort, ops.KindIntermediateCommit:
		// the shard may have been dropped later in the log
		return ignoreIf(code == store.RetCShardNotFound)
	case ops.KindAbortAllOngoingTrx:
		return Propagate
	default:
		panic(fmt.Sprintf("rsm: unhandled operation kind %s", op.Kind))
	}
}

func ignoreIf(cond bool) Decision {
	if cond {
		return Ignore
	}
	return Propagate
}

// handleApplyError returns nil if err can be ignored for op and err otherwise.
func (c *Core) handleApplyError(idx ops.LogIndex, op ops.Operation, err error) error {
	if err == nil {
		return nil
	}
	if Classify(op, err) == Ignore {
		log.Debugf("[group=%d] ignoring error of %s at index %d: %v", c.GroupID, op, idx, err)
		c.metrics.ignoredErrors.Inc()
		return nil
	}
	return err
}
