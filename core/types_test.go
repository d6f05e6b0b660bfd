package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataLogIDs(t *testing.T) {
	data := LogID(42)
	meta := MetadataLogID(data)

	assert.False(t, IsMetadataLog(data))
	assert.True(t, IsMetadataLog(meta))
	assert.Equal(t, data, DataLogID(meta))
	assert.Equal(t, meta, MetadataLogID(meta), "converting twice should be a no-op")
	assert.Equal(t, "42", data.String())
	assert.Equal(t, "M42", meta.String())
}

func TestStorageSetEqual(t *testing.T) {
	a := StorageSet{1, 2, 3}
	b := StorageSet{1, 2, 3}
	c := StorageSet{3, 2, 1}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c), "order is significant")
	assert.False(t, a.Equal(StorageSet{1, 2}))
	assert.True(t, a.Contains(2))
	assert.False(t, a.Contains(9))

	clone := a.Clone()
	clone[0] = 99
	assert.Equal(t, NodeID(1), a[0], "clone must not alias the original")
}

func TestEpochMetaDataCloneAndEqual(t *testing.T) {
	m := &EpochMetaData{
		Epoch:                7,
		StorageSet:           StorageSet{0, 1, 2},
		Replication:          ReplicationAttrs{ReplicationFactor: 3, SyncedCopies: 2},
		Params:               NodesetParams{Seed: 5, TargetSize: 3, Signature: 0xabc},
		WrittenInMetadataLog: true,
	}

	cp := m.Clone()
	require.True(t, m.Equal(cp))

	cp.StorageSet[0] = 9
	assert.False(t, m.Equal(cp))
	assert.Equal(t, NodeID(0), m.StorageSet[0], "clone must be deep")

	var nilMeta *EpochMetaData
	assert.True(t, nilMeta.Empty())
	assert.Nil(t, nilMeta.Clone())
	assert.True(t, (&EpochMetaData{}).Empty())
	assert.False(t, m.Empty())
}

func TestStatusPredicates(t *testing.T) {
	transient := []error{ErrFailed, ErrNoBufs, ErrTooMany, ErrNotConn, ErrAccess, ErrSysLimit}
	for _, err := range transient {
		assert.True(t, IsTransientStatus(err), err.Error())
		assert.False(t, IsBenignStatus(err), err.Error())
	}

	benign := []error{ErrUptodate, ErrInProgress, ErrNoSequencer, ErrNotFound, ErrShutdown}
	for _, err := range benign {
		assert.True(t, IsBenignStatus(err), err.Error())
		assert.False(t, IsTransientStatus(err), err.Error())
	}

	// Wrapped statuses must still classify.
	wrapped := fmt.Errorf("epoch store: %w", ErrNotConn)
	assert.True(t, IsTransientStatus(wrapped))
	assert.True(t, errors.Is(wrapped, ErrNotConn))

	assert.False(t, IsTransientStatus(ErrTooBig))
	assert.False(t, IsBenignStatus(ErrTooBig))
}
