package mirror

import "time"

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// MigratedURL is stored in FileRecord.URL for records promoted from the
// legacy uploads directory. It marks provenance, not a fetchable source.
const MigratedURL = "migrated-from-uploads"

// FileRecord describes one file held in the local storage directory.
type FileRecord struct {
	Filename          string     `json:"filename"`
	OriginalName      string     `json:"originalName"`
	Size              int64      `json:"size"`
	Mimetype          string     `json:"mimetype"`
	Hash              string     `json:"hash"` // hex SHA-256 of the local copy
	LocalPath         string     `json:"localPath"`
	URL               string     `json:"url"`
	DownloadedAt      *time.Time `json:"downloadedAt,omitempty"`
	MigratedFrom      string     `json:"migratedFrom,omitempty"`
	OriginalCreatedAt *time.Time `json:"originalCreatedAt,omitempty"`
}

// Migrated reports whether the record came from the legacy uploads tree.
func (r FileRecord) Migrated() bool {
	return r.URL == MigratedURL
}

// Metadata is the persisted index document.
type Metadata struct {
	Files      map[string]FileRecord `json:"files"`
	TotalFiles int                   `json:"totalFiles"`
	TotalSize  int64                 `json:"totalSize"`
	LastSync   *time.Time            `json:"lastSync"`
}

// RemoteEntry is one file as reported by the remote listing.
type RemoteEntry struct {
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	Size    int64     `json:"size"` // -1 when the listing does not say
	ModTime time.Time `json:"modTime,omitzero"`
}

// FailedItem records a single per-file failure in a batch operation.
type FailedItem struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// SyncResult is returned by SyncAll.
type SyncResult struct {
	Successful []FileRecord `json:"successful"`
	Failed     []FailedItem `json:"failed"`
	Total      int          `json:"total"`
	Message    string       `json:"message"`
}

// BatchResult is returned by DownloadBatch.
type BatchResult struct {
	Successful []FileRecord `json:"successful"`
	Failed     []FailedItem `json:"failed"`
	Total      int          `json:"total"`
	Message    string       `json:"message"`
}

// Err returns ErrPartialBatch when some, but not all, items failed, and
// ErrDownloadFailed when every item failed.
func (b BatchResult) Err() error {
	switch {
	case len(b.Failed) == 0:
		return nil
	case len(b.Successful) == 0:
		return ErrDownloadFailed
	default:
		return ErrPartialBatch
	}
}

// UploadedFile is a file discovered in the legacy uploads directory.
type UploadedFile struct {
	Filename     string    `json:"filename"`
	RelativePath string    `json:"relativePath"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
	ModifiedAt   time.Time `json:"modifiedAt"`
}

// MigrationResult is returned by Migrate.
type MigrationResult struct {
	Successful []FileRecord `json:"successful"`
	Failed     []FailedItem `json:"failed"`
	Skipped    int          `json:"skipped"`
	Total      int          `json:"total"`
	Message    string       `json:"message"`
}

// MigrationStatus is the read-only reconciliation report.
type MigrationStatus struct {
	TotalUploaded int            `json:"totalUploaded"`
	TotalMigrated int            `json:"totalMigrated"`
	Remaining     int            `json:"remaining"`
	UploadedFiles []UploadedFile `json:"uploadedFiles"`
	MigratedFiles []FileRecord   `json:"migratedFiles"`
}

// VerifyResult is the outcome of an integrity check.
type VerifyResult struct {
	Filename     string `json:"filename"`
	Valid        bool   `json:"valid"`
	Error        string `json:"error,omitempty"`
	ExpectedHash string `json:"expectedHash,omitempty"`
	ActualHash   string `json:"actualHash,omitempty"`
}

const (
	verifyMissing  = "missing on disk"
	verifyMismatch = "hash mismatch"
)

// Err converts an invalid result into ErrMissingOnDisk or ErrHashMismatch.
func (v VerifyResult) Err() error {
	switch {
	case v.Valid:
		return nil
	case v.Error == verifyMissing:
		return ErrMissingOnDisk
	default:
		return ErrHashMismatch
	}
}

// HealthStatus reports remote store reachability.
type HealthStatus struct {
	Status  string `json:"status"` // "healthy"|"unhealthy"|"disabled"
	Message string `json:"message"`
}

// UploadResult is returned by RemoteClient.Upload.
type UploadResult struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}
