package core

import (
	"fmt"
	"math"
	"slices"
)

// LogID identifies a log within the cluster. The value space is split in two:
// data logs and their metadata logs. Metadata logs carry the epoch metadata
// records of their data log and are activated through a different path, so
// every API in this module that takes a LogID rejects metadata logs unless
// stated otherwise.
type LogID uint64

// metadataLogIDBit marks the metadata-log subspace of the LogID value space.
const metadataLogIDBit LogID = 1 << 62

// LogIDInvalid is the zero LogID. No log may use it.
const LogIDInvalid LogID = 0

// IsMetadataLog reports whether id belongs to the metadata-log subspace.
func IsMetadataLog(id LogID) bool {
	return id&metadataLogIDBit != 0
}

// MetadataLogID returns the metadata log paired with the given data log.
func MetadataLogID(id LogID) LogID {
	return id | metadataLogIDBit
}

// DataLogID returns the data log paired with the given metadata log.
func DataLogID(id LogID) LogID {
	return id &^ metadataLogIDBit
}

func (id LogID) String() string {
	if IsMetadataLog(id) {
		return fmt.Sprintf("M%d", uint64(DataLogID(id)))
	}
	return fmt.Sprintf("%d", uint64(id))
}

// Epoch is the monotonically increasing version of a log's configuration.
// Every sequencer activation bumps it by one.
type Epoch uint32

const (
	// EpochInvalid is the zero epoch; no activated sequencer ever runs in it.
	EpochInvalid Epoch = 0
	// EpochMax is the largest representable epoch. Reactivation keeps a
	// two-slot margin below it for the metadata-log write that follows
	// activation.
	EpochMax Epoch = math.MaxUint32
)

// NodeID identifies a node in the cluster configuration.
type NodeID int32

// NodeIDInvalid is returned by lookups that found no node.
const NodeIDInvalid NodeID = -1

// StorageSet is the ordered set of storage nodes serving an epoch.
type StorageSet []NodeID

// Equal reports whether both sets contain the same nodes in the same order.
func (s StorageSet) Equal(other StorageSet) bool {
	return slices.Equal(s, other)
}

// Contains reports whether the set includes the given node.
func (s StorageSet) Contains(n NodeID) bool {
	return slices.Contains(s, n)
}

// Clone returns an independent copy of the set.
func (s StorageSet) Clone() StorageSet {
	return slices.Clone(s)
}

// ReplicationAttrs describes how records of an epoch are replicated across
// its storage set.
type ReplicationAttrs struct {
	// ReplicationFactor is the number of copies written per record.
	ReplicationFactor int
	// SyncedCopies is the number of copies that must be fsynced before a
	// record is acknowledged.
	SyncedCopies int
}

func (r ReplicationAttrs) String() string {
	return fmt.Sprintf("r=%d/synced=%d", r.ReplicationFactor, r.SyncedCopies)
}

// NodesetParams are the inputs the nodeset selector ran with when it produced
// a storage set. They may change without changing the resulting set, in which
// case only the epoch store record needs a refresh, not the sequencer.
type NodesetParams struct {
	// Seed randomizes selection so that logs with identical attributes do
	// not pile onto the same storage nodes.
	Seed uint64 `json:"seed"`
	// TargetSize is the requested storage set size before clamping to the
	// available candidates.
	TargetSize int `json:"target_size"`
	// Signature fingerprints the selector inputs and output; two runs with
	// equal signatures selected the same set for the same reasons.
	Signature uint64 `json:"signature"`
}

func (p NodesetParams) String() string {
	return fmt.Sprintf("seed=%d,size=%d,sig=%x", p.Seed, p.TargetSize, p.Signature)
}
