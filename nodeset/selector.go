// Package nodeset selects storage sets for log epochs and reconciles stored
// epoch metadata against the current cluster configuration. Selection is a
// pure function of its inputs: running it twice over the same configuration
// always yields the same set, which the background activator depends on to
// avoid reactivation loops.
package nodeset

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"slices"

	"github.com/INLOpen/nexuslog/cluster"
	"github.com/INLOpen/nexuslog/core"
)

// Select computes the storage set for a log using weighted rendezvous
// hashing: every candidate node gets a score from hash(seed, log, node)
// scaled by its weight, and the targetSize best scores win. The result is
// sorted by node id.
func Select(log core.LogID, seed uint64, targetSize int, cfg *cluster.Config) (core.StorageSet, error) {
	type scored struct {
		node  core.NodeID
		score float64
	}

	var candidates []scored
	for id, info := range cfg.Nodes {
		if !info.Storage || info.Weight <= 0 {
			continue
		}
		candidates = append(candidates, scored{node: id, score: rendezvousScore(log, seed, id, info.Weight)})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("log %s: no storage candidates: %w", log, core.ErrFailed)
	}

	slices.SortFunc(candidates, func(a, b scored) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		// Scores tie only for identical hashes; node id breaks the tie
		// deterministically.
		return int(a.node) - int(b.node)
	})

	n := targetSize
	if n > len(candidates) {
		n = len(candidates)
	}
	set := make(core.StorageSet, 0, n)
	for _, c := range candidates[:n] {
		set = append(set, c.node)
	}
	slices.Sort(set)
	return set, nil
}

// rendezvousScore maps a (log, seed, node) triple and the node's weight onto
// a comparable score. ln(u)/w with u uniform in (0,1) is the standard
// weighted rendezvous construction.
func rendezvousScore(log core.LogID, seed uint64, node core.NodeID, weight float64) float64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(log))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(uint32(node)))
	h.Write(buf[:])

	// FNV-1a spreads its last input bytes over few bits; an avalanche step
	// makes every input bit reach the high bits used below.
	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33

	// Map the hash onto (0,1]; zero is excluded so the log below is finite.
	u := (float64(x>>11) + 1) / float64(1<<53)
	return math.Log(u) / weight
}

// signature fingerprints the selector inputs and output so that two runs can
// be compared without comparing the sets element by element.
func signature(set core.StorageSet, repl core.ReplicationAttrs, seed uint64, targetSize int, newFormat bool) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(targetSize))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(repl.ReplicationFactor))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(repl.SyncedCopies))
	h.Write(buf[:])
	if newFormat {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	for _, n := range set {
		binary.BigEndian.PutUint64(buf[:], uint64(uint32(n)))
		h.Write(buf[:])
	}
	return h.Sum64()
}
