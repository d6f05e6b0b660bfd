// Package cluster models the cluster configuration consumed by the
// sequencing control plane: node membership and weights, per-log attributes,
// and which nodes may run sequencers.
package cluster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexuslog/core"
)

// NodeInfo describes one cluster node.
type NodeInfo struct {
	// Address is the node's advertised address, informational here.
	Address string `yaml:"address"`
	// Weight biases nodeset selection toward the node. Zero excludes it.
	Weight float64 `yaml:"weight"`
	// Storage marks the node as eligible to store records.
	Storage bool `yaml:"storage"`
	// Sequencer marks the node as eligible to run sequencers.
	Sequencer bool `yaml:"sequencer"`
}

// LogAttrs are the per-log attributes relevant to sequencing: replication,
// nodeset sizing, and the immutable per-epoch sequencer options.
type LogAttrs struct {
	ReplicationFactor int    `yaml:"replication_factor"`
	SyncedCopies      int    `yaml:"synced_copies"`
	NodesetSize       int    `yaml:"nodeset_size"`
	NodesetSeed       uint64 `yaml:"nodeset_seed"`
	WindowSize        int    `yaml:"window_size"`
	SlidingWindow     bool   `yaml:"sliding_window"`
}

// Config is an immutable snapshot of the cluster configuration. Holders hand
// out *Config pointers; a change produces a new snapshot, never a mutation.
type Config struct {
	Version uint64 `yaml:"version"`
	// MyNodeID identifies the local node within Nodes.
	MyNodeID core.NodeID `yaml:"my_node_id"`
	// SequencersProvisionEpochStore gates background epoch-store
	// reprovisioning; when false, sequencers only react to option changes.
	SequencersProvisionEpochStore bool `yaml:"sequencers_provision_epoch_store"`

	Nodes map[core.NodeID]NodeInfo `yaml:"nodes"`
	Logs  map[core.LogID]LogAttrs  `yaml:"logs"`
}

// Validate checks internal consistency of the snapshot.
func (c *Config) Validate() error {
	if _, ok := c.Nodes[c.MyNodeID]; !ok && len(c.Nodes) > 0 {
		return fmt.Errorf("my_node_id %d not present in nodes: %w", c.MyNodeID, core.ErrInvalidParam)
	}
	for id, attrs := range c.Logs {
		if core.IsMetadataLog(id) {
			return fmt.Errorf("log %s: metadata logs are not configured directly: %w", id, core.ErrInvalidParam)
		}
		if attrs.ReplicationFactor <= 0 {
			return fmt.Errorf("log %s: replication_factor must be positive: %w", id, core.ErrInvalidParam)
		}
		if attrs.NodesetSize < attrs.ReplicationFactor {
			return fmt.Errorf("log %s: nodeset_size %d below replication_factor %d: %w",
				id, attrs.NodesetSize, attrs.ReplicationFactor, core.ErrInvalidParam)
		}
	}
	return nil
}

// SequencingEnabled reports whether the given node may run sequencers.
func (c *Config) SequencingEnabled(n core.NodeID) bool {
	info, ok := c.Nodes[n]
	return ok && info.Sequencer
}

// LogGroup returns the attributes of a data log, if configured.
func (c *Config) LogGroup(id core.LogID) (LogAttrs, bool) {
	attrs, ok := c.Logs[core.DataLogID(id)]
	return attrs, ok
}

// StorageNodes returns the ids of nodes eligible to store records, with
// positive weight.
func (c *Config) StorageNodes() []core.NodeID {
	var out []core.NodeID
	for id, info := range c.Nodes {
		if info.Storage && info.Weight > 0 {
			out = append(out, id)
		}
	}
	return out
}

// LogIDs returns all configured data log ids.
func (c *Config) LogIDs() []core.LogID {
	out := make([]core.LogID, 0, len(c.Logs))
	for id := range c.Logs {
		out = append(out, id)
	}
	return out
}

// LoadFile reads and validates a yaml cluster configuration.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a yaml cluster configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cluster config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
