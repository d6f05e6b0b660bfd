package epochstore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexuslog/core"
)

// memoryTaskQueueSize bounds pending store operations; overflow surfaces as
// core.ErrNoBufs to the caller rather than blocking it.
const memoryTaskQueueSize = 1024

// MemoryStore is an in-process Store. Operations are serialized on a single
// dispatcher goroutine, which also delivers completion callbacks; per-log
// causal order therefore holds by construction.
type MemoryStore struct {
	writerNode core.NodeID
	logger     *slog.Logger

	mu      sync.Mutex
	records map[core.LogID]storedRecord
	closed  bool

	tasks chan func()
	done  chan struct{}
}

type storedRecord struct {
	meta  *core.EpochMetaData
	props MetaProperties
}

// NewMemoryStore creates and starts an in-memory store. writerNode is
// recorded as MetaProperties.LastWriter on every write.
func NewMemoryStore(writerNode core.NodeID, logger *slog.Logger) *MemoryStore {
	s := &MemoryStore{
		writerNode: writerNode,
		logger:     logger.With("component", "MemoryEpochStore"),
		records:    make(map[core.LogID]storedRecord),
		tasks:      make(chan func(), memoryTaskQueueSize),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *MemoryStore) run() {
	defer close(s.done)
	for task := range s.tasks {
		task()
	}
}

// CreateOrUpdateMetadata implements Store.
func (s *MemoryStore) CreateOrUpdateMetadata(log core.LogID, up Updater, cb CompletionFunc) error {
	task := func() {
		meta, props, st := s.apply(log, up)
		cb(st, log, meta, props)
	}

	// The send happens under mu so Close cannot close the channel between
	// the shutdown check and the send.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrShutdown
	}
	select {
	case s.tasks <- task:
		return nil
	default:
		return core.ErrNoBufs
	}
}

func (s *MemoryStore) apply(log core.LogID, up Updater) (*core.EpochMetaData, *MetaProperties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, core.ErrShutdown
	}

	cur, ok := s.records[log]
	var curMeta *core.EpochMetaData
	if ok {
		curMeta = cur.meta
	}

	next, err := up.Update(log, curMeta)
	if err != nil {
		props := cur.props
		return curMeta.Clone(), &props, err
	}

	rec := storedRecord{
		meta:  next.Clone(),
		props: MetaProperties{LastWriter: s.writerNode, LastWriteTime: time.Now()},
	}
	s.records[log] = rec
	s.logger.Debug("Epoch metadata written.", "log", log, "epoch", next.Epoch)
	props := rec.props
	return next.Clone(), &props, nil
}

// Get returns the stored record for a log, for inspection.
func (s *MemoryStore) Get(log core.LogID) (*core.EpochMetaData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[log]
	if !ok {
		return nil, false
	}
	return rec.meta.Clone(), true
}

// Put seeds a record directly, bypassing updaters. Intended for provisioning
// and tests.
func (s *MemoryStore) Put(log core.LogID, meta *core.EpochMetaData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[log] = storedRecord{
		meta:  meta.Clone(),
		props: MetaProperties{LastWriter: s.writerNode, LastWriteTime: time.Now()},
	}
}

// Close stops the dispatcher. Pending operations complete with ErrShutdown.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.tasks)
	<-s.done
	return nil
}
