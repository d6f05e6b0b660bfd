package nodeset

import (
	"github.com/INLOpen/nexuslog/cluster"
	"github.com/INLOpen/nexuslog/core"
)

// UpdateResult is the outcome of UpdateMetadataIfNeeded.
type UpdateResult int

const (
	// Unchanged: the record already matches the configuration.
	Unchanged UpdateResult = iota
	// Updated: the record was rewritten in place.
	Updated
	// Failed: no valid storage set can be built for the log.
	Failed
)

func (r UpdateResult) String() string {
	switch r {
	case Unchanged:
		return "UNCHANGED"
	case Updated:
		return "UPDATED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// UpdateOptions tune UpdateMetadataIfNeeded.
type UpdateOptions struct {
	// UseNewStorageSetFormat feeds into the params signature so that a
	// format migration rewrites records exactly once.
	UseNewStorageSetFormat bool
}

// UpdateMetadataIfNeeded reconciles meta (mutated in place) against the
// current configuration: it recomputes the storage set, replication
// attributes and selector params for meta's log and rewrites whichever of
// them drifted. onlyParamsChanged is true iff the selector params are the
// only delta — the storage set and replication attributes are identical — in
// which case the record can be refreshed in the epoch store without
// reactivating the sequencer.
//
// The function is deterministic and convergent: applying it a second time to
// its own output always returns Unchanged. Callers treat a violation of that
// as a selector bug.
func UpdateMetadataIfNeeded(log core.LogID, meta *core.EpochMetaData, cfg *cluster.Config, opts UpdateOptions) (UpdateResult, bool) {
	attrs, ok := cfg.LogGroup(log)
	if !ok {
		return Failed, false
	}

	candidates := cfg.StorageNodes()
	if len(candidates) < attrs.ReplicationFactor {
		return Failed, false
	}

	seed := attrs.NodesetSeed
	targetSize := attrs.NodesetSize
	if targetSize < attrs.ReplicationFactor {
		targetSize = attrs.ReplicationFactor
	}

	newSet, err := Select(log, seed, targetSize, cfg)
	if err != nil || len(newSet) < attrs.ReplicationFactor {
		return Failed, false
	}

	newRepl := core.ReplicationAttrs{
		ReplicationFactor: attrs.ReplicationFactor,
		SyncedCopies:      attrs.SyncedCopies,
	}
	newParams := core.NodesetParams{
		Seed:       seed,
		TargetSize: targetSize,
		Signature:  signature(newSet, newRepl, seed, targetSize, opts.UseNewStorageSetFormat),
	}

	setChanged := !meta.StorageSet.Equal(newSet) || meta.Replication != newRepl
	paramsChanged := meta.Params != newParams
	if !setChanged && !paramsChanged {
		return Unchanged, false
	}

	meta.StorageSet = newSet
	meta.Replication = newRepl
	meta.Params = newParams
	return Updated, !setChanged
}
