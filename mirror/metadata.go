package mirror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/maruel/natural"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// MetadataStore is the durable index of files held locally. It is loaded once
// at construction, mutated in memory and written back as a whole document
// after every mutation. All methods are safe for concurrent use.
type MetadataStore struct {
	fs   afero.Fs
	path string

	mu   gosync.RWMutex
	meta Metadata
}

// NewMetadataStore loads path (if present) and returns the store.
func NewMetadataStore(fs afero.Fs, path string) *MetadataStore {
	s := &MetadataStore{fs: fs, path: path}
	s.meta = s.Load()
	sub("metadata").Info("metadata loaded", "path", path, "files", s.meta.TotalFiles)
	return s
}

func emptyMetadata() Metadata {
	return Metadata{Files: make(map[string]FileRecord)}
}

// Load reads the metadata document from disk. A missing or corrupt file
// yields empty metadata; it never fails.
func (s *MetadataStore) Load() Metadata {
	l := sub("metadata")

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		l.Debug("no metadata file, starting empty", "path", s.path, "err", err)
		return emptyMetadata()
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		l.Warn("metadata unreadable, starting empty", "path", s.path, "err", err)
		return emptyMetadata()
	}
	if m.Files == nil {
		m.Files = make(map[string]FileRecord)
	}
	recompute(&m)
	return m
}

// save overwrites the metadata document. Errors are logged, not returned.
// Callers must hold s.mu.
func (s *MetadataStore) save() {
	l := sub("metadata")

	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		l.Error("metadata encode failed", "err", err)
		return
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		l.Error("metadata dir create failed", "path", s.path, "err", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		l.Error("metadata write failed", "path", tmp, "err", err)
		return
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		l.Error("metadata rename failed", "path", s.path, "err", err)
		return
	}

	setLocalGauges(s.meta.TotalFiles, s.meta.TotalSize)
	if logEnabled(slog.LevelDebug) {
		l.Debug("metadata saved", "files", s.meta.TotalFiles, "size", s.meta.TotalSize)
	}
}

// recompute refreshes the derived aggregates from the files map.
func recompute(m *Metadata) {
	m.TotalFiles = len(m.Files)
	m.TotalSize = lo.SumBy(lo.Values(m.Files), func(r FileRecord) int64 { return r.Size })
}

// Put inserts or overwrites the record keyed by its filename.
func (s *MetadataStore) Put(rec FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Files[rec.Filename] = rec
	recompute(&s.meta)
	s.save()
	sub("metadata").Debug("record stored", "filename", rec.Filename, "size", rec.Size)
}

// Get returns the record for filename.
func (s *MetadataStore) Get(filename string) (FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.meta.Files[filename]
	return rec, ok
}

// List returns every record in natural filename order.
func (s *MetadataStore) List() []FileRecord {
	s.mu.RLock()
	records := lo.Values(s.meta.Files)
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return natural.Less(records[i].Filename, records[j].Filename)
	})
	return records
}

// Snapshot returns a copy of the whole document.
func (s *MetadataStore) Snapshot() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.meta
	m.Files = make(map[string]FileRecord, len(s.meta.Files))
	for k, v := range s.meta.Files {
		m.Files[k] = v
	}
	if s.meta.LastSync != nil {
		t := *s.meta.LastSync
		m.LastSync = &t
	}
	return m
}

// Remove deletes the local copy and the record for filename.
func (s *MetadataStore) Remove(filename string) (FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.meta.Files[filename]
	if !ok {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err := removeIfExists(s.fs, rec.LocalPath); err != nil {
		return FileRecord{}, fmt.Errorf("delete local copy: %w", err)
	}

	delete(s.meta.Files, filename)
	recompute(&s.meta)
	s.save()
	sub("metadata").Info("record removed", "filename", filename)
	return rec, nil
}

// Clear deletes every local copy and resets the document. Returns the number
// of records dropped. Files that fail to delete are logged and still dropped.
func (s *MetadataStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := sub("metadata")
	n := len(s.meta.Files)
	for name, rec := range s.meta.Files {
		if err := removeIfExists(s.fs, rec.LocalPath); err != nil {
			l.Warn("clear: delete failed", "filename", name, "err", err)
		}
	}
	s.meta = emptyMetadata()
	s.save()
	l.Info("metadata cleared", "removed", n)
	return n
}

// MarkSynced stamps lastSync.
func (s *MetadataStore) MarkSynced(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.LastSync = &t
	s.save()
}

// Verify recomputes the hash of the local copy and compares it to the stored
// one. Only a missing record is an error; a missing file or a differing hash
// is reported through VerifyResult.
func (s *MetadataStore) Verify(filename string) (VerifyResult, error) {
	rec, ok := s.Get(filename)
	if !ok {
		return VerifyResult{}, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	res := VerifyResult{Filename: filename, ExpectedHash: rec.Hash}
	if !fileExists(s.fs, rec.LocalPath) {
		res.Error = verifyMissing
		return res, nil
	}

	actual, _, err := HashFile(s.fs, rec.LocalPath)
	if err != nil {
		return VerifyResult{}, err
	}
	res.ActualHash = actual
	res.Valid = actual == rec.Hash
	if !res.Valid {
		res.Error = verifyMismatch
		sub("metadata").Warn("integrity check failed", "filename", filename, "expected", rec.Hash, "actual", actual)
	}
	return res, nil
}

// LocalCopyExists reports whether the record's file is still on disk.
func (s *MetadataStore) LocalCopyExists(rec FileRecord) bool {
	return fileExists(s.fs, rec.LocalPath)
}
