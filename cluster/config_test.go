package cluster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslog/core"
)

const sampleConfig = `
version: 3
my_node_id: 0
sequencers_provision_epoch_store: true
nodes:
  0: {address: "10.0.0.1:4440", weight: 1.0, storage: true, sequencer: true}
  1: {address: "10.0.0.2:4440", weight: 1.0, storage: true, sequencer: false}
  2: {address: "10.0.0.3:4440", weight: 2.0, storage: true, sequencer: false}
  3: {address: "10.0.0.4:4440", weight: 0.0, storage: true, sequencer: false}
logs:
  1: {replication_factor: 2, synced_copies: 1, nodeset_size: 3, window_size: 128}
  2: {replication_factor: 1, synced_copies: 1, nodeset_size: 2, nodeset_seed: 7, sliding_window: true}
`

func TestParseConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, uint64(3), cfg.Version)
	assert.Equal(t, core.NodeID(0), cfg.MyNodeID)
	assert.True(t, cfg.SequencersProvisionEpochStore)
	assert.Len(t, cfg.Nodes, 4)
	assert.Len(t, cfg.Logs, 2)

	attrs, ok := cfg.LogGroup(1)
	require.True(t, ok)
	assert.Equal(t, 2, attrs.ReplicationFactor)
	assert.Equal(t, 128, attrs.WindowSize)

	// Metadata log ids resolve to their data log's attributes.
	_, ok = cfg.LogGroup(core.MetadataLogID(2))
	assert.True(t, ok)

	_, ok = cfg.LogGroup(99)
	assert.False(t, ok)

	assert.True(t, cfg.SequencingEnabled(0))
	assert.False(t, cfg.SequencingEnabled(1))
	assert.False(t, cfg.SequencingEnabled(42))

	// Node 3 has zero weight and must not be a storage candidate.
	nodes := cfg.StorageNodes()
	assert.ElementsMatch(t, []core.NodeID{0, 1, 2}, nodes)

	assert.ElementsMatch(t, []core.LogID{1, 2}, cfg.LogIDs())
}

func TestParseConfigValidation(t *testing.T) {
	_, err := Parse([]byte(`
my_node_id: 9
nodes:
  0: {weight: 1, storage: true}
logs: {}
`))
	assert.ErrorIs(t, err, core.ErrInvalidParam, "my_node_id must exist")

	_, err = Parse([]byte(`
my_node_id: 0
nodes:
  0: {weight: 1, storage: true, sequencer: true}
logs:
  5: {replication_factor: 0, nodeset_size: 3}
`))
	assert.ErrorIs(t, err, core.ErrInvalidParam, "replication factor must be positive")

	_, err = Parse([]byte(`
my_node_id: 0
nodes:
  0: {weight: 1, storage: true, sequencer: true}
logs:
  5: {replication_factor: 3, nodeset_size: 2}
`))
	assert.ErrorIs(t, err, core.ErrInvalidParam, "nodeset smaller than replication")

	_, err = Parse([]byte("::not yaml"))
	assert.Error(t, err)
}

func TestUpdateableSubscribe(t *testing.T) {
	first := &Config{Version: 1}
	u := NewUpdateable(first)
	assert.Same(t, first, u.Get())

	var seen []uint64
	u.Subscribe(func(c *Config) { seen = append(seen, c.Version) })
	u.Subscribe(func(c *Config) { seen = append(seen, c.Version+100) })

	second := &Config{Version: 2}
	u.Set(second)
	assert.Same(t, second, u.Get())
	assert.Equal(t, []uint64{2, 102}, seen)
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	holder := NewUpdateable(cfg)

	w, err := NewWatcher(path, holder, testLogger())
	require.NoError(t, err)
	defer w.Close()

	updated := `
version: 4
my_node_id: 0
nodes:
  0: {weight: 1, storage: true, sequencer: true}
logs:
  1: {replication_factor: 1, synced_copies: 1, nodeset_size: 1}
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		return holder.Get().Version == 4
	}, 5*time.Second, 10*time.Millisecond, "watcher should pick up the rewrite")

	// A stale version must not replace a newer snapshot.
	stale := `
version: 2
my_node_id: 0
nodes:
  0: {weight: 1, storage: true, sequencer: true}
logs: {}
`
	require.NoError(t, os.WriteFile(path, []byte(stale), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(4), holder.Get().Version)
}
