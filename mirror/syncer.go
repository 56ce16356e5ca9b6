package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	gosync "sync"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

const (
	DefaultConcurrency = 3
	maxConcurrency     = 16
)

// RemoteSource is the part of the file server client the sync engine needs.
type RemoteSource interface {
	Configured() bool
	RefreshRemote(ctx context.Context) ([]RemoteEntry, error)
	Fetch(ctx context.Context, filename string) (io.ReadCloser, string, error)
	URLFor(filename string) (string, error)
}

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	StorageDir   string
	PostSyncHook string
	Locker       Locker // nil means an in-process lock
	Events       *EventBus
}

// Syncer brings the local storage directory up to date with the file server.
type Syncer struct {
	remote     RemoteSource
	meta       *MetadataStore
	fs         afero.Fs
	storageDir string
	hook       string
	lock       Locker
	events     *EventBus
}

// NewSyncer creates a sync engine writing into cfg.StorageDir.
func NewSyncer(fs afero.Fs, remote RemoteSource, meta *MetadataStore, cfg SyncerConfig) *Syncer {
	lock := cfg.Locker
	if lock == nil {
		lock = NewLocalLocker()
	}
	return &Syncer{
		remote:     remote,
		meta:       meta,
		fs:         fs,
		storageDir: cfg.StorageDir,
		hook:       cfg.PostSyncHook,
		lock:       lock,
		events:     cfg.Events,
	}
}

// validName rejects names that would escape the storage directory.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// DownloadSingle fetches filename from the file server into local storage and
// records it. ErrRemoteNotFound means the server has no such file; anything
// else wraps ErrDownloadFailed (or ErrNotConfigured). An existing record for
// filename is left as is when the download fails.
func (s *Syncer) DownloadSingle(ctx context.Context, filename string) (FileRecord, error) {
	l := sub("syncer")
	if !validName(filename) {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	body, contentType, err := s.remote.Fetch(ctx, filename)
	if err != nil {
		downloadsTotal.WithLabelValues("failed").Inc()
		l.Warn("fetch failed", "filename", filename, "err", err)
		return FileRecord{}, err
	}
	defer body.Close()

	dst := filepath.Join(s.storageDir, filename)
	written, err := WriteStream(ctx, s.fs, dst, body)
	if err != nil {
		downloadsTotal.WithLabelValues("failed").Inc()
		l.Warn("download stream failed, partial removed", "filename", filename, "err", err)
		return FileRecord{}, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, filename, err)
	}

	hash, size, err := HashFile(s.fs, dst)
	if err != nil {
		downloadsTotal.WithLabelValues("failed").Inc()
		return FileRecord{}, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, filename, err)
	}

	sourceURL, _ := s.remote.URLFor(filename)
	now := nowFunc()
	rec := FileRecord{
		Filename:     filename,
		OriginalName: filename,
		Size:         size,
		Mimetype:     pickMime(contentType, filename),
		Hash:         hash,
		LocalPath:    dst,
		URL:          sourceURL,
		DownloadedAt: &now,
	}
	s.meta.Put(rec)

	downloadsTotal.WithLabelValues("ok").Inc()
	downloadedBytes.Add(float64(written))
	l.Info("downloaded", "filename", filename, "size", size)
	return rec, nil
}

// pickMime prefers a specific Content-Type from the server over the table.
func pickMime(contentType, filename string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" && mt != "" {
		return mt
	}
	return MimeFromName(filename)
}

func clampConcurrency(n int) int {
	switch {
	case n <= 0:
		return DefaultConcurrency
	case n > maxConcurrency:
		return maxConcurrency
	default:
		return n
	}
}

// runBatches downloads names in sequential batches of size concurrency.
// Downloads within a batch run together and are all awaited before the next
// batch starts; every outcome is recorded independently, in input order.
func (s *Syncer) runBatches(ctx context.Context, names []string, concurrency int) ([]FileRecord, []FailedItem) {
	concurrency = clampConcurrency(concurrency)
	l := sub("syncer")

	type outcome struct {
		rec FileRecord
		err error
	}
	outcomes := make([]outcome, len(names))
	var done atomic.Int32
	total := len(names)

	for bi, batch := range lo.Chunk(names, concurrency) {
		if logEnabled(slog.LevelDebug) {
			l.Debug("batch start", "batch", bi, "size", len(batch))
		}
		var wg gosync.WaitGroup
		for i, name := range batch {
			idx := bi*concurrency + i
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := s.DownloadSingle(ctx, name)
				outcomes[idx] = outcome{rec: rec, err: err}

				ev := SyncEvent{Type: EventDownload, Filename: name, Status: resultLabel(err), Done: int(done.Add(1)), Total: total}
				if err != nil {
					ev.Error = err.Error()
				}
				s.events.Publish(ev)
			}()
		}
		wg.Wait()
	}

	successful := make([]FileRecord, 0, len(names))
	failed := make([]FailedItem, 0)
	for i, o := range outcomes {
		if o.err != nil {
			failed = append(failed, FailedItem{Filename: names[i], Error: o.err.Error()})
			continue
		}
		successful = append(successful, o.rec)
	}
	return successful, failed
}

// DownloadBatch fetches an explicit list of files with the sync batching
// policy. Duplicate and empty names are dropped. One file failing never
// affects the others.
func (s *Syncer) DownloadBatch(ctx context.Context, filenames []string, concurrency int) BatchResult {
	names := lo.Uniq(lo.Compact(filenames))
	if len(names) == 0 {
		return BatchResult{Successful: []FileRecord{}, Failed: []FailedItem{}, Message: "No filenames provided"}
	}

	sub("syncer").Info("batch download start", "files", len(names), "concurrency", clampConcurrency(concurrency))
	successful, failed := s.runBatches(ctx, names, concurrency)
	return BatchResult{
		Successful: successful,
		Failed:     failed,
		Total:      len(names),
		Message:    fmt.Sprintf("Batch download completed. %d files downloaded, %d failed", len(successful), len(failed)),
	}
}

// SyncAll runs one full sync pass: list remote files, download those missing
// locally (absent from metadata, or recorded but gone from disk), then stamp
// lastSync. Passes are serialized through the Syncer's Locker. A listing
// failure is returned as an error together with a result carrying only a
// message; per-file failures are reported in the result.
func (s *Syncer) SyncAll(ctx context.Context, concurrency int) (SyncResult, error) {
	l := sub("syncer")
	if !s.remote.Configured() {
		return SyncResult{}, ErrNotConfigured
	}

	unlock, err := s.lock.Lock(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer unlock()

	entries, err := s.remote.RefreshRemote(ctx)
	if err != nil {
		l.Error("sync listing failed", "err", err)
		s.events.Publish(SyncEvent{Type: EventSyncFinished, Status: "failed", Error: err.Error()})
		return SyncResult{
			Successful: []FileRecord{},
			Failed:     []FailedItem{},
			Message:    "Sync failed: could not list files on file server",
		}, err
	}

	if len(entries) == 0 {
		l.Info("sync: no remote files")
		return SyncResult{Successful: []FileRecord{}, Failed: []FailedItem{}, Message: "No files found on file server"}, nil
	}

	names := lo.Uniq(lo.Map(entries, func(e RemoteEntry, _ int) string { return e.Name }))
	need := lo.Filter(names, func(name string, _ int) bool {
		rec, ok := s.meta.Get(name)
		return !ok || !s.meta.LocalCopyExists(rec)
	})

	s.events.Publish(SyncEvent{Type: EventSyncStarted, Total: len(need)})

	if len(need) == 0 {
		existing := lo.FilterMap(names, func(name string, _ int) (FileRecord, bool) {
			return s.meta.Get(name)
		})
		s.meta.MarkSynced(nowFunc())
		syncPasses.Inc()
		l.Info("sync: already up to date", "files", len(existing))
		res := SyncResult{
			Successful: existing,
			Failed:     []FailedItem{},
			Total:      len(existing),
			Message:    "All files already synchronized",
		}
		s.events.Publish(SyncEvent{Type: EventSyncFinished, Status: "ok", Done: len(existing), Total: len(existing)})
		return res, nil
	}

	l.Info("sync start", "remote", len(names), "need", len(need), "concurrency", clampConcurrency(concurrency))
	successful, failed := s.runBatches(ctx, need, concurrency)
	s.meta.MarkSynced(nowFunc())
	syncPasses.Inc()

	res := SyncResult{
		Successful: successful,
		Failed:     failed,
		Total:      len(need),
		Message:    fmt.Sprintf("Sync completed. %d files downloaded, %d failed", len(successful), len(failed)),
	}
	l.Info("sync done", "downloaded", len(successful), "failed", len(failed))

	status := "ok"
	if len(failed) > 0 {
		status = "failed"
	}
	s.events.Publish(SyncEvent{Type: EventSyncFinished, Status: status, Done: len(successful), Total: len(need)})

	if err := runPostSyncHook(ctx, s.hook, res); err != nil {
		l.Warn("post-sync hook error", "err", err)
	}
	return res, nil
}
