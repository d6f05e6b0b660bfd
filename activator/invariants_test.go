package activator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslog/core"
	"github.com/INLOpen/nexuslog/hooks"
	"github.com/INLOpen/nexuslog/utils"
)

// drainObserver records PostDrain payloads.
type drainObserver struct {
	mu     sync.Mutex
	drains []hooks.PostDrainPayload
}

func (o *drainObserver) OnEvent(_ context.Context, ev hooks.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drains = append(o.drains, ev.Payload().(hooks.PostDrainPayload))
	return nil
}
func (o *drainObserver) Priority() int { return 1 }
func (o *drainObserver) IsAsync() bool { return false }

func (o *drainObserver) snapshot() []hooks.PostDrainPayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]hooks.PostDrainPayload, len(o.drains))
	copy(out, o.drains)
	return out
}

func TestDrainYieldsAfterQuantum(t *testing.T) {
	// Invariant 7: with a slow per-log step (every clock read advances
	// 3ms), no drain pass may process more than one log before yielding,
	// yet the whole backlog still drains via the yield timer.
	mc := utils.NewMockClock(time.Unix(0, 0))
	mc.SetAutoAdvance(3 * time.Millisecond)

	hm := hooks.NewManager(testLogger())
	obs := &drainObserver{}
	hm.Register(hooks.EventPostDrain, obs)

	f := newFixture(t, nil, Options{Clock: mc, Hooks: hm})

	ids := []core.LogID{1, 2, 3, 4, 5}
	f.schedule(ids...)
	f.waitQuiesce()

	drains := obs.snapshot()
	require.NotEmpty(t, drains)

	total := 0
	yields := 0
	for _, d := range drains {
		assert.LessOrEqual(t, d.Processed, 1, "a pass over a slow backlog must yield after one log")
		total += d.Processed
		if d.Yielded {
			yields++
		}
	}
	assert.Equal(t, len(ids), total, "yielding must not lose work")
	assert.GreaterOrEqual(t, yields, len(ids)-1, "every non-final pass yields")
	assert.Equal(t, int64(len(ids)), f.act.Metrics().Completed.Value())
}

func TestPreProcessHookVetoDefersLog(t *testing.T) {
	// A vetoing pre-hook postpones the log instead of dropping it.
	hm := hooks.NewManager(testLogger())
	var mu sync.Mutex
	veto := true
	errVeto := errors.New("not yet")
	hm.Register(hooks.EventPreProcessLog, hooks.FuncListener(func(context.Context, hooks.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if veto {
			return errVeto
		}
		return nil
	}))

	f := newFixture(t, nil, Options{Hooks: hm})
	f.schedule(42)
	assert.Equal(t, 1, f.pendingLen())

	mu.Lock()
	veto = false
	mu.Unlock()
	f.waitQuiesce()
	assert.Equal(t, int64(1), f.act.Metrics().Completed.Value())
}
