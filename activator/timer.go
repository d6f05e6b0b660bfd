package activator

import (
	"sync"
	"time"
)

// retryTimer is the engine's single re-armable timer. Re-arming replaces the
// previous deadline; a generation counter keeps late fires from a replaced
// timer from running.
type retryTimer struct {
	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

// arm schedules fn after d, replacing any earlier schedule.
func (t *retryTimer) arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.gen == gen
		t.mu.Unlock()
		if current {
			fn()
		}
	})
}

// cancel drops any scheduled fire.
func (t *retryTimer) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
