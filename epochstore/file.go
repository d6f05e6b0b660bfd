package epochstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/INLOpen/nexuslog/core"
)

const (
	fileStoreWorkers   = 4
	fileStoreQueueSize = 1024
	fileStoreMagic     = "NXEP1"
)

// FileStore persists one epoch metadata record per log under a root
// directory. Records are JSON, optionally snappy-compressed, written with a
// temp-file-and-rename so a crash never leaves a torn record. Operations run
// on a small pool of task goroutines; a per-log mutex serializes updates to
// the same log, which is what makes CreateOrUpdateMetadata a compare-and-swap.
type FileStore struct {
	root       string
	writerNode core.NodeID
	compress   bool
	logger     *slog.Logger

	mu       sync.Mutex
	logLocks map[core.LogID]*sync.Mutex
	closed   bool

	tasks chan func()
	wg    sync.WaitGroup
}

type fileRecord struct {
	Magic     string              `json:"magic"`
	Meta      *core.EpochMetaData `json:"meta"`
	Writer    core.NodeID         `json:"writer"`
	WrittenAt time.Time           `json:"written_at"`
}

// FileStoreOptions configures NewFileStore.
type FileStoreOptions struct {
	// Compress enables snappy compression of record files.
	Compress bool
}

// NewFileStore creates the root directory if needed and starts the task
// goroutines.
func NewFileStore(root string, writerNode core.NodeID, opts FileStoreOptions, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create epoch store root %s: %w", root, err)
	}
	s := &FileStore{
		root:       root,
		writerNode: writerNode,
		compress:   opts.Compress,
		logger:     logger.With("component", "FileEpochStore"),
		logLocks:   make(map[core.LogID]*sync.Mutex),
		tasks:      make(chan func(), fileStoreQueueSize),
	}
	for i := 0; i < fileStoreWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for task := range s.tasks {
				task()
			}
		}()
	}
	return s, nil
}

// CreateOrUpdateMetadata implements Store.
func (s *FileStore) CreateOrUpdateMetadata(log core.LogID, up Updater, cb CompletionFunc) error {
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

func (s *FileStore) apply(log core.LogID, up Updater) (*core.EpochMetaData, *MetaProperties, error) {
	lock := s.lockFor(log)
	if lock == nil {
		return nil, nil, core.ErrShutdown
	}
	lock.Lock()
	defer lock.Unlock()

	cur, props, err := s.read(log)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, nil, err
	}

	next, uerr := up.Update(log, cur)
	if uerr != nil {
		return cur.Clone(), props, uerr
	}

	now := time.Now()
	if err := s.write(log, next, now); err != nil {
		return nil, nil, err
	}
	return next.Clone(), &MetaProperties{LastWriter: s.writerNode, LastWriteTime: now}, nil
}

func (s *FileStore) lockFor(log core.LogID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	lock, ok := s.logLocks[log]
	if !ok {
		lock = &sync.Mutex{}
		s.logLocks[log] = lock
	}
	return lock
}

func (s *FileStore) dataPath(log core.LogID) string {
	return filepath.Join(s.root, fmt.Sprintf("epoch_%020d.meta", uint64(log)))
}

func (s *FileStore) read(log core.LogID) (*core.EpochMetaData, *MetaProperties, error) {
	raw, err := os.ReadFile(s.dataPath(log))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, core.ErrNotFound
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, nil, fmt.Errorf("reading %s: %w", s.dataPath(log), core.ErrAccess)
		}
		return nil, nil, fmt.Errorf("reading %s: %w", s.dataPath(log), core.ErrFailed)
	}

	if s.compress {
		raw, err = snappy.Decode(nil, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt record for log %s: %w", log, core.ErrFailed)
		}
	}

	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("corrupt record for log %s: %w", log, core.ErrFailed)
	}
	if rec.Magic != fileStoreMagic {
		return nil, nil, fmt.Errorf("unexpected record magic %q for log %s: %w", rec.Magic, log, core.ErrFailed)
	}
	return rec.Meta, &MetaProperties{LastWriter: rec.Writer, LastWriteTime: rec.WrittenAt}, nil
}

func (s *FileStore) write(log core.LogID, meta *core.EpochMetaData, now time.Time) error {
	raw, err := json.Marshal(fileRecord{
		Magic:     fileStoreMagic,
		Meta:      meta,
		Writer:    s.writerNode,
		WrittenAt: now,
	})
	if err != nil {
		return fmt.Errorf("encoding record for log %s: %w", log, core.ErrInternal)
	}
	if s.compress {
		raw = snappy.Encode(nil, raw)
	}

	path := s.dataPath(log)
	tmp, err := os.CreateTemp(s.root, "epoch_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp record: %w", core.ErrAccess)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp record: %w", core.ErrFailed)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp record: %w", core.ErrFailed)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp record: %w", core.ErrFailed)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("installing record %s: %w", path, core.ErrFailed)
	}
	s.logger.Debug("Epoch metadata written.", "log", log, "epoch", meta.Epoch, "path", path)
	return nil
}

// Close drains the task goroutines. Subsequent operations fail with
// ErrShutdown.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.tasks)
	s.wg.Wait()
	return nil
}
