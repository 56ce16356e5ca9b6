package mirror

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 300 * time.Millisecond

// UploadsWatcher watches the legacy uploads tree and queues the relative
// paths of files that are created or rewritten.
type UploadsWatcher struct {
	root     string
	queue    *PathQueue
	ignore   *IgnoreList
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewUploadsWatcher creates a watcher on root feeding queue.
func NewUploadsWatcher(root string, queue *PathQueue, ignore *IgnoreList) (*UploadsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &UploadsWatcher{
		root:     root,
		queue:    queue,
		ignore:   ignore,
		watcher:  w,
		debounce: debounceInterval,
	}, nil
}

// Run watches until ctx is cancelled. Events are collected and flushed to
// the queue once the tree has been quiet for the debounce interval, so a
// file still being written is queued once.
func (w *UploadsWatcher) Run(ctx context.Context) error {
	l := sub("watcher")
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	l.Info("watching uploads", "root", w.root)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			rel, ok := w.relPath(event.Name)
			if !ok {
				continue
			}

			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if event.Has(fsnotify.Create) {
					w.watcher.Add(event.Name) //nolint:errcheck
					// Files may land inside before the watch does.
					w.queueExisting(event.Name, pending)
					timer.Reset(w.debounce)
				}
				continue
			}
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			l.Warn("watcher error", "err", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			w.queue.Push(paths...)
			l.Debug("flushed to queue", "paths", len(paths))
			pending = make(map[string]struct{})
		}
	}
}

// relPath maps an absolute event path to its slash-separated path under
// root. Hidden and ignored components are rejected.
func (w *UploadsWatcher) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ".") || w.ignore.IsIgnored(part, i < len(parts)-1) {
			return "", false
		}
	}
	return filepath.ToSlash(rel), true
}

func (w *UploadsWatcher) queueExisting(dir string, pending map[string]struct{}) {
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir {
				w.watcher.Add(p) //nolint:errcheck
			}
			return nil
		}
		if rel, ok := w.relPath(p); ok {
			pending[rel] = struct{}{}
		}
		return nil
	})
}

func (w *UploadsWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && (strings.HasPrefix(d.Name(), ".") || w.ignore.IsIgnored(d.Name(), true)) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

// Close releases the underlying fsnotify watcher.
func (w *UploadsWatcher) Close() error {
	return w.watcher.Close()
}
