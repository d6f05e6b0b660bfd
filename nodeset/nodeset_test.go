package nodeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslog/cluster"
	"github.com/INLOpen/nexuslog/core"
)

func testClusterConfig(storageNodes int) *cluster.Config {
	cfg := &cluster.Config{
		MyNodeID: 0,
		Nodes:    map[core.NodeID]cluster.NodeInfo{},
		Logs:     map[core.LogID]cluster.LogAttrs{},
	}
	for i := 0; i < storageNodes; i++ {
		cfg.Nodes[core.NodeID(i)] = cluster.NodeInfo{Weight: 1, Storage: true, Sequencer: i == 0}
	}
	return cfg
}

func TestSelectDeterministic(t *testing.T) {
	cfg := testClusterConfig(10)

	set1, err := Select(1, 42, 4, cfg)
	require.NoError(t, err)
	set2, err := Select(1, 42, 4, cfg)
	require.NoError(t, err)

	assert.Len(t, set1, 4)
	assert.True(t, set1.Equal(set2), "same inputs must select the same set")

	// Different seeds or logs spread over different sets (with 10 nodes and
	// size 4, at least one of these must differ).
	other, err := Select(1, 43, 4, cfg)
	require.NoError(t, err)
	third, err := Select(2, 42, 4, cfg)
	require.NoError(t, err)
	assert.True(t, !set1.Equal(other) || !set1.Equal(third),
		"selection should depend on seed and log id")
}

func TestSelectClampsToCandidates(t *testing.T) {
	cfg := testClusterConfig(3)
	set, err := Select(1, 0, 10, cfg)
	require.NoError(t, err)
	assert.Len(t, set, 3)

	// Zero-weight and non-storage nodes never appear.
	cfg.Nodes[7] = cluster.NodeInfo{Weight: 0, Storage: true}
	cfg.Nodes[8] = cluster.NodeInfo{Weight: 5, Storage: false}
	set, err = Select(1, 0, 10, cfg)
	require.NoError(t, err)
	assert.False(t, set.Contains(7))
	assert.False(t, set.Contains(8))
}

func TestSelectNoCandidates(t *testing.T) {
	cfg := &cluster.Config{Nodes: map[core.NodeID]cluster.NodeInfo{}}
	_, err := Select(1, 0, 3, cfg)
	assert.ErrorIs(t, err, core.ErrFailed)
}

func TestSelectWeightBias(t *testing.T) {
	// One node with overwhelming weight should be picked for nearly every
	// log when selecting a single node.
	cfg := testClusterConfig(5)
	heavy := core.NodeID(3)
	cfg.Nodes[heavy] = cluster.NodeInfo{Weight: 10000, Storage: true}

	hits := 0
	const trials = 200
	for log := core.LogID(1); log <= trials; log++ {
		set, err := Select(log, 0, 1, cfg)
		require.NoError(t, err)
		if set.Contains(heavy) {
			hits++
		}
	}
	assert.Greater(t, hits, trials*9/10, "weight must bias selection")
}

func TestUpdateMetadataIfNeeded(t *testing.T) {
	cfg := testClusterConfig(6)
	cfg.Logs[1] = cluster.LogAttrs{ReplicationFactor: 2, SyncedCopies: 1, NodesetSize: 3}

	meta := &core.EpochMetaData{Epoch: 5}
	res, onlyParams := UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{})
	assert.Equal(t, Updated, res)
	assert.False(t, onlyParams, "first provisioning rewrites the storage set")
	assert.Len(t, meta.StorageSet, 3)
	assert.Equal(t, core.Epoch(5), meta.Epoch, "reconciliation never touches the epoch")

	// Convergence: a second application must be a no-op.
	res, onlyParams = UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{})
	assert.Equal(t, Unchanged, res)
	assert.False(t, onlyParams)
}

func TestUpdateMetadataParamsOnlyChange(t *testing.T) {
	// Three candidates and nodeset_size 3: the selected set is all of them.
	cfg := testClusterConfig(3)
	cfg.Logs[1] = cluster.LogAttrs{ReplicationFactor: 2, SyncedCopies: 1, NodesetSize: 3}

	meta := &core.EpochMetaData{Epoch: 1}
	res, _ := UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{})
	require.Equal(t, Updated, res)
	before := meta.StorageSet.Clone()

	// Raising nodeset_size beyond the candidate pool changes the params
	// (target size, signature) but clamping keeps the same set.
	attrs := cfg.Logs[1]
	attrs.NodesetSize = 5
	cfg.Logs[1] = attrs

	res, onlyParams := UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{})
	assert.Equal(t, Updated, res)
	assert.True(t, onlyParams, "identical set with new params is a params-only update")
	assert.True(t, meta.StorageSet.Equal(before))

	res, _ = UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{})
	assert.Equal(t, Unchanged, res, "params-only updates converge too")
}

func TestUpdateMetadataFormatFlagChangesSignature(t *testing.T) {
	cfg := testClusterConfig(4)
	cfg.Logs[1] = cluster.LogAttrs{ReplicationFactor: 2, SyncedCopies: 1, NodesetSize: 3}

	meta := &core.EpochMetaData{Epoch: 1}
	res, _ := UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{})
	require.Equal(t, Updated, res)

	res, onlyParams := UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{UseNewStorageSetFormat: true})
	assert.Equal(t, Updated, res)
	assert.True(t, onlyParams, "a format migration alone must not reshuffle nodes")
}

func TestUpdateMetadataFailures(t *testing.T) {
	cfg := testClusterConfig(1)
	cfg.Logs[1] = cluster.LogAttrs{ReplicationFactor: 3, SyncedCopies: 1, NodesetSize: 3}

	meta := &core.EpochMetaData{Epoch: 1}
	res, _ := UpdateMetadataIfNeeded(1, meta, cfg, UpdateOptions{})
	assert.Equal(t, Failed, res, "not enough candidates for the replication factor")

	res, _ = UpdateMetadataIfNeeded(99, meta, cfg, UpdateOptions{})
	assert.Equal(t, Failed, res, "unconfigured log")
}

func TestUpdateMetadataConvergenceProperty(t *testing.T) {
	// Across many logs and seeds, double application is always Unchanged.
	cfg := testClusterConfig(8)
	for log := core.LogID(1); log <= 50; log++ {
		cfg.Logs[log] = cluster.LogAttrs{
			ReplicationFactor: 2,
			SyncedCopies:      1,
			NodesetSize:       3,
			NodesetSeed:       uint64(log) * 1299709,
		}
	}

	for _, log := range cfg.LogIDs() {
		meta := &core.EpochMetaData{Epoch: 1}
		res, _ := UpdateMetadataIfNeeded(log, meta, cfg, UpdateOptions{})
		require.Equal(t, Updated, res, "log %s", log)
		res, _ = UpdateMetadataIfNeeded(log, meta.Clone(), cfg, UpdateOptions{})
		require.Equal(t, Unchanged, res, "log %s must converge", log)
	}
}
