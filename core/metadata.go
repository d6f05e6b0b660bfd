package core

import "fmt"

// EpochMetaData is the record stored in the epoch store for every log. It
// describes how the log's current epoch is served: which storage nodes hold
// its records, how records are replicated, and which selector inputs produced
// the storage set.
type EpochMetaData struct {
	Epoch       Epoch            `json:"epoch"`
	StorageSet  StorageSet       `json:"storage_set"`
	Replication ReplicationAttrs `json:"replication"`
	Params      NodesetParams    `json:"nodeset_params"`

	// WrittenInMetadataLog is set once the record has been appended to the
	// log's metadata log. Nodeset parameters may only be rewritten in place
	// after that append.
	WrittenInMetadataLog bool `json:"written_in_metadata_log"`

	// Disabled marks a log whose sequencing has been administratively shut
	// off. A sequencer must never be ACTIVE with disabled metadata.
	Disabled bool `json:"disabled"`
}

// Empty reports whether the record carries no provisioned epoch.
func (m *EpochMetaData) Empty() bool {
	return m == nil || (m.Epoch == EpochInvalid && len(m.StorageSet) == 0)
}

// Clone returns a deep copy of the record.
func (m *EpochMetaData) Clone() *EpochMetaData {
	if m == nil {
		return nil
	}
	cp := *m
	cp.StorageSet = m.StorageSet.Clone()
	return &cp
}

// Equal reports whether both records describe the same epoch identically.
func (m *EpochMetaData) Equal(other *EpochMetaData) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Epoch == other.Epoch &&
		m.StorageSet.Equal(other.StorageSet) &&
		m.Replication == other.Replication &&
		m.Params == other.Params &&
		m.WrittenInMetadataLog == other.WrittenInMetadataLog &&
		m.Disabled == other.Disabled
}

func (m *EpochMetaData) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{e%d nodes=%v %s %s written=%t disabled=%t}",
		m.Epoch, m.StorageSet, m.Replication, m.Params,
		m.WrittenInMetadataLog, m.Disabled)
}
