// Package worker provides the cooperative worker runtime of the sequencing
// control plane. A Processor owns pools of single-goroutine workers; state
// confined to one worker needs no locks, and other threads reach it by
// posting closures.
package worker

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuslog/core"
)

// Type partitions workers by the kind of work they run.
type Type int

const (
	// TypeGeneral workers serve foreground request processing.
	TypeGeneral Type = iota
	// TypeBackground workers run maintenance state machines.
	TypeBackground
)

func (t Type) String() string {
	switch t {
	case TypeGeneral:
		return "general"
	case TypeBackground:
		return "background"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// taskQueueSize bounds each worker's mailbox. Overflow surfaces as
// core.ErrNoBufs rather than blocking the producer.
const taskQueueSize = 4096

// Worker is a single goroutine draining a task queue. Everything that runs
// on a worker runs sequentially.
type Worker struct {
	typ   Type
	index int
	tasks chan func()
	done  chan struct{}
}

func newWorker(typ Type, index int) *Worker {
	w := &Worker{
		typ:   typ,
		index: index,
		tasks: make(chan func(), taskQueueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for task := range w.tasks {
		task()
	}
}

// Type returns the worker's pool type.
func (w *Worker) Type() Type { return w.typ }

// Index returns the worker's index within its pool.
func (w *Worker) Index() int { return w.index }

// Processor owns the worker pools of one process.
type Processor struct {
	logger *slog.Logger

	mu      sync.Mutex
	pools   map[Type][]*Worker
	stopped bool
}

// Counts sizes the pools of a Processor.
type Counts struct {
	General    int
	Background int
}

// NewProcessor starts the worker pools. At least one general worker always
// exists.
func NewProcessor(counts Counts, logger *slog.Logger) *Processor {
	if counts.General < 1 {
		counts.General = 1
	}
	if counts.Background < 0 {
		counts.Background = 0
	}
	p := &Processor{
		logger: logger.With("component", "Processor"),
		pools:  make(map[Type][]*Worker),
	}
	for i := 0; i < counts.General; i++ {
		p.pools[TypeGeneral] = append(p.pools[TypeGeneral], newWorker(TypeGeneral, i))
	}
	for i := 0; i < counts.Background; i++ {
		p.pools[TypeBackground] = append(p.pools[TypeBackground], newWorker(TypeBackground, i))
	}
	p.logger.Info("Worker pools started.", "general", counts.General, "background", counts.Background)
	return p
}

// WorkerCount returns the size of a pool.
func (p *Processor) WorkerCount(t Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools[t])
}

// Post enqueues fn on the identified worker. It never blocks: a full mailbox
// returns core.ErrNoBufs and a stopped processor core.ErrShutdown.
func (p *Processor) Post(t Type, index int, fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return core.ErrShutdown
	}
	pool := p.pools[t]
	if index < 0 || index >= len(pool) {
		return fmt.Errorf("no %s worker %d: %w", t, index, core.ErrInvalidParam)
	}
	select {
	case pool[index].tasks <- fn:
		return nil
	default:
		return core.ErrNoBufs
	}
}

// Stop rejects further posts, drains the queued tasks and joins the workers.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	var all []*Worker
	for _, pool := range p.pools {
		all = append(all, pool...)
	}
	p.mu.Unlock()

	for _, w := range all {
		close(w.tasks)
	}
	for _, w := range all {
		<-w.done
	}
	p.logger.Info("Worker pools stopped.")
}

// StableAffinity maps a label onto a worker index deterministically, so every
// caller that uses the same label reaches the same worker.
func StableAffinity(label string, workers int) int {
	if workers <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(label))
	return int(h.Sum32() % uint32(workers))
}
