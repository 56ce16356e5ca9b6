package mirror

import (
	"context"
	gosync "sync"
	"time"

	"github.com/samber/lo"
)

// DaemonConfig selects which background jobs run.
type DaemonConfig struct {
	WatchUploads    bool
	SyncInterval    time.Duration // 0 disables periodic sync
	SyncConcurrency int
}

// Daemon runs the optional background jobs: migrating files as they appear
// in the uploads tree, and periodic sync passes.
type Daemon struct {
	syncer   *Syncer
	migrator *Migrator
	cfg      DaemonConfig
	queue    *PathQueue
}

// NewDaemon creates a daemon over an existing syncer and migrator.
func NewDaemon(syncer *Syncer, migrator *Migrator, cfg DaemonConfig) *Daemon {
	return &Daemon{
		syncer:   syncer,
		migrator: migrator,
		cfg:      cfg,
		queue:    NewPathQueue(),
	}
}

// Queue exposes the migration queue.
func (d *Daemon) Queue() *PathQueue {
	return d.queue
}

// Run starts the enabled jobs and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	l := sub("daemon")
	if !d.cfg.WatchUploads && d.cfg.SyncInterval <= 0 {
		l.Debug("no background jobs enabled")
		return
	}

	var wg gosync.WaitGroup
	if d.cfg.WatchUploads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runMigrationWorker(ctx)
		}()
	}
	if d.cfg.SyncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runSyncTicker(ctx)
		}()
	}
	l.Info("daemon started", "watchUploads", d.cfg.WatchUploads, "syncInterval", d.cfg.SyncInterval)
	wg.Wait()
	l.Info("daemon stopped")
}

func (d *Daemon) runMigrationWorker(ctx context.Context) {
	l := sub("daemon")
	root := d.migrator.UploadsDir()
	ignore := d.migrator.ignoreList()

	// Catch up on anything that arrived while we were down.
	existing, err := ScanUploads(d.migrator.fs, root, ignore)
	if err != nil {
		l.Error("initial uploads scan failed", "err", err)
	}
	d.queue.Push(lo.Map(existing, func(f UploadedFile, _ int) string { return f.RelativePath })...)
	l.Info("reconcile queued", "files", len(existing))

	watcher, err := NewUploadsWatcher(root, d.queue, ignore)
	if err != nil {
		l.Error("watcher creation failed, uploads watch disabled", "err", err)
		return
	}
	defer watcher.Close()

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			l.Warn("watcher stopped unexpectedly", "err", err)
		}
	}()

	for {
		rel, ok := d.queue.Pop(ctx)
		if !ok {
			return
		}
		if _, err := d.migrator.MigrateFile(ctx, rel); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warn("background migration failed", "path", rel, "err", err)
		}
	}
}

func (d *Daemon) runSyncTicker(ctx context.Context) {
	l := sub("daemon")
	ticker := time.NewTicker(d.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.syncer.SyncAll(ctx, d.cfg.SyncConcurrency)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.Error("periodic sync failed", "err", err)
				continue
			}
			l.Info("periodic sync", "message", res.Message)
		}
	}
}
