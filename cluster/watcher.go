package cluster

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a cluster configuration file when it changes on disk and
// pushes the new snapshot into an Updateable. Reload failures keep the last
// good snapshot.
type Watcher struct {
	path    string
	holder  *Updateable
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path. The file must already have been loaded
// into holder; the watcher only handles subsequent changes.
func NewWatcher(path string, holder *Updateable, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	// Watch the directory rather than the file: editors and atomic writers
	// replace the file, which would drop a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		holder:  holder,
		logger:  logger.With("component", "ClusterConfigWatcher"),
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := LoadFile(w.path)
			if err != nil {
				w.logger.Warn("Ignoring unreadable cluster config update.", "path", w.path, "error", err)
				continue
			}
			prev := w.holder.Get()
			if prev != nil && cfg.Version <= prev.Version && (cfg.Version != 0 || prev.Version != 0) {
				w.logger.Debug("Skipping stale cluster config.", "version", cfg.Version, "current", prev.Version)
				continue
			}
			w.logger.Info("Cluster configuration reloaded.", "version", cfg.Version, "logs", len(cfg.Logs), "nodes", len(cfg.Nodes))
			w.holder.Set(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Cluster config watcher error.", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
