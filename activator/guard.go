package activator

import "sync"

// nonReentrant turns a worker-confinement violation into a crash instead of
// silent state corruption. Engine entrypoints hold it for the duration of
// the call; since all of them are supposed to run on the one owner worker,
// the TryLock below can only fail when some caller bypassed the dispatch
// layer.
type nonReentrant struct {
	mu sync.Mutex
}

func (g *nonReentrant) enter() func() {
	if !g.mu.TryLock() {
		panic("activator: engine entered concurrently; all access must go through its owner worker")
	}
	return g.mu.Unlock
}
