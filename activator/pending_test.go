package activator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/INLOpen/nexuslog/core"
)

func TestPendingSetInsertDedup(t *testing.T) {
	p := newPendingSet()
	assert.True(t, p.empty())

	assert.True(t, p.insert(1))
	assert.False(t, p.insert(1), "duplicates coalesce")
	assert.True(t, p.insert(2))
	assert.Equal(t, 2, p.len())
}

func TestPendingSetFIFO(t *testing.T) {
	p := newPendingSet()
	p.insert(3)
	p.insert(1)
	p.insert(2)

	id, ok := p.front()
	assert.True(t, ok)
	assert.Equal(t, core.LogID(3), id, "front is insertion order, not id order")

	p.remove(3)
	id, _ = p.front()
	assert.Equal(t, core.LogID(1), id)

	// Re-inserting a removed id puts it at the back.
	p.insert(3)
	p.remove(1)
	p.remove(2)
	id, _ = p.front()
	assert.Equal(t, core.LogID(3), id)

	p.remove(3)
	_, ok = p.front()
	assert.False(t, ok)
	assert.True(t, p.empty())
}

func TestPendingSetStaleOrderEntries(t *testing.T) {
	p := newPendingSet()
	p.insert(1)
	p.remove(1)
	// Stale order entry for 1 still queued; a fresh insert must not lose it.
	p.insert(1)
	assert.Equal(t, 1, p.len())

	id, ok := p.front()
	assert.True(t, ok)
	assert.Equal(t, core.LogID(1), id)
	p.remove(1)
	_, ok = p.front()
	assert.False(t, ok)
}

func TestPendingSetFairnessUnderReinsertion(t *testing.T) {
	// An id continuously re-inserted behind others is still served within a
	// bounded number of pops.
	p := newPendingSet()
	for i := core.LogID(1); i <= 10; i++ {
		p.insert(i)
	}
	served := map[core.LogID]bool{}
	for i := 0; i < 100 && len(served) < 10; i++ {
		id, ok := p.front()
		if !ok {
			break
		}
		served[id] = true
		p.remove(id)
		p.insert(id) // continuous re-insertion
	}
	assert.Len(t, served, 10, "every id reachable in finite steps")
}
