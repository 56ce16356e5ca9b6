package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// Migrator promotes files from the legacy uploads tree into local storage.
type Migrator struct {
	fs         afero.Fs
	meta       *MetadataStore
	uploadsDir string
	storageDir string
	events     *EventBus

	mu gosync.Mutex // one migration at a time, shared with the watcher worker
}

// NewMigrator creates a Migrator copying from uploadsDir into storageDir.
func NewMigrator(fs afero.Fs, meta *MetadataStore, uploadsDir, storageDir string, events *EventBus) *Migrator {
	return &Migrator{
		fs:         fs,
		meta:       meta,
		uploadsDir: uploadsDir,
		storageDir: storageDir,
		events:     events,
	}
}

// UploadsDir returns the root of the legacy uploads tree.
func (m *Migrator) UploadsDir() string {
	return m.uploadsDir
}

func (m *Migrator) ignoreList() *IgnoreList {
	return LoadIgnoreList(m.fs, filepath.Join(m.uploadsDir, IgnoreFile))
}

// Status reports what is in the uploads tree and what has been migrated.
// It changes nothing.
func (m *Migrator) Status() (MigrationStatus, error) {
	uploaded, err := ScanUploads(m.fs, m.uploadsDir, m.ignoreList())
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("scan uploads: %w", err)
	}

	migrated := lo.Filter(m.meta.List(), func(r FileRecord, _ int) bool { return r.Migrated() })
	done := lo.SliceToMap(migrated, func(r FileRecord) (string, struct{}) { return r.Filename, struct{}{} })
	remaining := lo.CountBy(uploaded, func(f UploadedFile) bool {
		_, ok := done[f.Filename]
		return !ok
	})

	if uploaded == nil {
		uploaded = []UploadedFile{}
	}
	return MigrationStatus{
		TotalUploaded: len(uploaded),
		TotalMigrated: len(migrated),
		Remaining:     remaining,
		UploadedFiles: uploaded,
		MigratedFiles: migrated,
	}, nil
}

// Migrate copies every uploaded file not yet present in metadata into local
// storage. Files whose name is already recorded are skipped. A failure on one
// file is recorded and the run continues.
func (m *Migrator) Migrate(ctx context.Context) (MigrationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := sub("migrate")
	start := time.Now()

	files, err := ScanUploads(m.fs, m.uploadsDir, m.ignoreList())
	if err != nil {
		return MigrationResult{}, fmt.Errorf("scan uploads: %w", err)
	}
	l.Info("migration start", "uploads", m.uploadsDir, "files", len(files))

	res := MigrationResult{Successful: []FileRecord{}, Failed: []FailedItem{}, Total: len(files)}
	for i, f := range files {
		if _, ok := m.meta.Get(f.Filename); ok {
			res.Skipped++
			l.Debug("already in metadata, skipped", "filename", f.Filename)
			continue
		}

		rec, err := m.migrateOne(ctx, f)
		ev := SyncEvent{Type: EventMigrated, Filename: f.Filename, Status: resultLabel(err), Done: i + 1, Total: len(files)}
		if err != nil {
			res.Failed = append(res.Failed, FailedItem{Filename: f.Filename, Error: err.Error()})
			ev.Error = err.Error()
			l.Warn("migrate file failed", "path", f.RelativePath, "err", err)
		} else {
			res.Successful = append(res.Successful, rec)
		}
		m.events.Publish(ev)
	}

	res.Message = fmt.Sprintf("Migration completed. %d files migrated successfully, %d failed", len(res.Successful), len(res.Failed))
	m.events.Publish(SyncEvent{Type: EventMigrationEnded, Done: len(res.Successful), Total: len(files)})
	l.Info("migration done", "migrated", len(res.Successful), "failed", len(res.Failed),
		"skipped", res.Skipped, "elapsed", time.Since(start))
	return res, nil
}

// MigrateFile migrates a single file given its path relative to the uploads
// root. A file already in metadata is returned unchanged.
func (m *Migrator) MigrateFile(ctx context.Context, relPath string) (FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	relPath = filepath.ToSlash(filepath.Clean(relPath))
	if relPath == "." || strings.HasPrefix(relPath, "../") || relPath == ".." {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrInvalidFilename, relPath)
	}
	name := filepath.Base(relPath)
	if rec, ok := m.meta.Get(name); ok {
		return rec, nil
	}

	ignore := m.ignoreList()
	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") {
			return FileRecord{}, fmt.Errorf("%w: hidden path %s", ErrInvalidFilename, relPath)
		}
	}
	if ignore.IsIgnored(name, false) {
		return FileRecord{}, fmt.Errorf("%w: ignored %s", ErrInvalidFilename, relPath)
	}

	info, err := m.fs.Stat(filepath.Join(m.uploadsDir, filepath.FromSlash(relPath)))
	if os.IsNotExist(err) {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}
	if err != nil {
		return FileRecord{}, err
	}
	if !info.Mode().IsRegular() {
		return FileRecord{}, fmt.Errorf("%w: not a regular file: %s", ErrInvalidFilename, relPath)
	}

	rec, err := m.migrateOne(ctx, UploadedFile{
		Filename:     name,
		RelativePath: relPath,
		Size:         info.Size(),
		CreatedAt:    info.ModTime(),
		ModifiedAt:   info.ModTime(),
	})
	ev := SyncEvent{Type: EventMigrated, Filename: name, Status: resultLabel(err), Done: 1, Total: 1}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.Publish(ev)
	return rec, err
}

func (m *Migrator) migrateOne(ctx context.Context, f UploadedFile) (FileRecord, error) {
	src := filepath.Join(m.uploadsDir, filepath.FromSlash(f.RelativePath))
	dst := filepath.Join(m.storageDir, f.Filename)

	if err := SafeCopy(ctx, m.fs, src, dst); err != nil {
		migratedFiles.WithLabelValues("failed").Inc()
		return FileRecord{}, fmt.Errorf("copy %s: %w", f.RelativePath, err)
	}
	hash, size, err := HashFile(m.fs, dst)
	if err != nil {
		migratedFiles.WithLabelValues("failed").Inc()
		return FileRecord{}, fmt.Errorf("hash %s: %w", f.Filename, err)
	}

	now := nowFunc()
	created := f.CreatedAt
	rec := FileRecord{
		Filename:          f.Filename,
		OriginalName:      f.Filename,
		Size:              size,
		Mimetype:          MimeFromName(f.Filename),
		Hash:              hash,
		LocalPath:         dst,
		URL:               MigratedURL,
		DownloadedAt:      &now,
		MigratedFrom:      f.RelativePath,
		OriginalCreatedAt: &created,
	}
	m.meta.Put(rec)
	migratedFiles.WithLabelValues("ok").Inc()
	sub("migrate").Info("migrated", "filename", f.Filename, "from", f.RelativePath, "size", size)
	return rec, nil
}
