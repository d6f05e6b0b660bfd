// Package epochstore defines the linearizable per-log epoch metadata store
// and two implementations: an in-memory store for tests and single-process
// deployments, and a file-backed store.
package epochstore

import (
	"fmt"
	"time"

	"github.com/INLOpen/nexuslog/core"
)

// MetaProperties carries bookkeeping about the stored record, returned to
// completion callbacks alongside the record itself.
type MetaProperties struct {
	// LastWriter is the node that performed the last successful write.
	LastWriter core.NodeID
	// LastWriteTime is when that write happened.
	LastWriteTime time.Time
}

// CompletionFunc receives the outcome of an asynchronous store operation.
// st is nil on success, core.ErrUptodate when the updater declined to write,
// core.ErrAborted when its precondition failed; meta is the record now in the
// store (the winning record on ErrAborted).
type CompletionFunc func(st error, log core.LogID, meta *core.EpochMetaData, props *MetaProperties)

// Updater transforms the current record of a log into the record to store.
// It runs under the store's per-log serialization. Returning nil metadata
// with core.ErrUptodate means "no write needed"; core.ErrAborted means the
// caller's precondition (typically an epoch) no longer holds.
type Updater interface {
	Update(log core.LogID, cur *core.EpochMetaData) (*core.EpochMetaData, error)
}

// Store is the epoch store contract. CreateOrUpdateMetadata returns an error
// only when the operation could not be queued (bounded set: ErrShutdown,
// ErrNoBufs, ErrNotConn, ErrAccess, ErrSysLimit, ErrInternal); otherwise the
// outcome is delivered to cb from a store goroutine.
type Store interface {
	CreateOrUpdateMetadata(log core.LogID, up Updater, cb CompletionFunc) error
	Close() error
}

// NodesetParamsUpdater rewrites only the nodeset-selector parameters of a
// record, conditioned on the stored epoch still being Expected. This is the
// updater used by the background activator for in-place refreshes.
type NodesetParamsUpdater struct {
	Expected core.Epoch
	Params   core.NodesetParams
}

// Update implements Updater.
func (u NodesetParamsUpdater) Update(log core.LogID, cur *core.EpochMetaData) (*core.EpochMetaData, error) {
	if cur.Empty() {
		return nil, fmt.Errorf("log %s has no epoch metadata: %w", log, core.ErrNotFound)
	}
	if cur.Epoch != u.Expected {
		// Someone moved the epoch under us; surface the winner.
		return nil, core.ErrAborted
	}
	if cur.Params == u.Params {
		return nil, core.ErrUptodate
	}
	next := cur.Clone()
	next.Params = u.Params
	return next, nil
}

// ActivationUpdater installs the metadata of a new epoch, conditioned on the
// stored epoch being exactly AcceptableEpoch-1 (an empty record is also
// accepted; a disabled one is not). Used by the sequencer registry during
// (re)activation.
type ActivationUpdater struct {
	AcceptableEpoch core.Epoch
	Proposed        *core.EpochMetaData
}

// Update implements Updater.
func (u ActivationUpdater) Update(log core.LogID, cur *core.EpochMetaData) (*core.EpochMetaData, error) {
	if u.Proposed == nil || u.Proposed.Empty() {
		return nil, fmt.Errorf("no proposed metadata for log %s: %w", log, core.ErrInvalidParam)
	}
	if !cur.Empty() {
		if cur.Disabled {
			return nil, core.ErrAborted
		}
		if cur.Epoch+1 != u.AcceptableEpoch {
			// The store already moved to (or past) a different epoch.
			return nil, core.ErrAborted
		}
	}
	next := u.Proposed.Clone()
	next.Epoch = u.AcceptableEpoch
	return next, nil
}
