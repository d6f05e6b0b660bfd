package activator

import "github.com/INLOpen/nexuslog/core"

// pendingSet is a deduplicated FIFO of log ids awaiting re-evaluation. FIFO
// order is what guarantees fairness: under continuous insertion every id
// still reaches the front in a bounded number of steps.
//
// Removal is lazy: remove only deletes from the membership map, and front
// skips over stale order entries. Re-inserting an id whose stale entry is
// still queued appends a second entry; only the newest one is ever served.
type pendingSet struct {
	order  []pendingEntry
	member map[core.LogID]uint64
	seq    uint64
}

// pendingEntry is one queued position of an id; it is live while seq matches
// the id's current membership.
type pendingEntry struct {
	id  core.LogID
	seq uint64
}

func newPendingSet() *pendingSet {
	return &pendingSet{member: make(map[core.LogID]uint64)}
}

// insert adds id and reports whether it was new.
func (p *pendingSet) insert(id core.LogID) bool {
	if _, ok := p.member[id]; ok {
		return false
	}
	p.seq++
	p.member[id] = p.seq
	p.order = append(p.order, pendingEntry{id: id, seq: p.seq})
	return true
}

// front returns the oldest pending id without removing it.
func (p *pendingSet) front() (core.LogID, bool) {
	for len(p.order) > 0 {
		e := p.order[0]
		if seq, ok := p.member[e.id]; ok && seq == e.seq {
			return e.id, true
		}
		p.order = p.order[1:]
	}
	return core.LogIDInvalid, false
}

// remove deletes id from the set.
func (p *pendingSet) remove(id core.LogID) {
	delete(p.member, id)
}

func (p *pendingSet) len() int { return len(p.member) }

func (p *pendingSet) empty() bool { return len(p.member) == 0 }
