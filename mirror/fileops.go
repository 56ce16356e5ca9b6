package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const copyChunkSize = 256 * 1024 // 256KB per chunk

// tmpPath returns a unique sibling temp path for dst. Temp files start with a
// dot so the uploads scanner and watcher skip them.
func tmpPath(dst string) string {
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+"."+uuid.NewString()[:8]+".part")
}

// HashFile returns the hex SHA-256 and size of the file at path.
func HashFile(fs afero.Fs, path string) (string, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// WriteStream copies r into dst atomically:
// 1. Stream into a temp file next to dst in chunks, checking ctx between chunks
// 2. On any error remove the partial temp file
// 3. Rename temp → dst
//
// An existing dst is left untouched unless the whole stream succeeds.
func WriteStream(ctx context.Context, fs afero.Fs, dst string, r io.Reader) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("mkdir dst parent: %w", err)
	}

	tmp := tmpPath(dst)
	tmpFile, err := fs.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create tmp: %w", err)
	}

	written, copyErr := copyChunked(ctx, tmpFile, r)
	if copyErr == nil {
		copyErr = tmpFile.Sync()
	}
	closeErr := tmpFile.Close()
	if copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		fs.Remove(tmp) //nolint:errcheck
		return 0, copyErr
	}

	if err := fs.Rename(tmp, dst); err != nil {
		fs.Remove(tmp) //nolint:errcheck
		return 0, fmt.Errorf("rename tmp to dst: %w", err)
	}
	return written, nil
}

func copyChunked(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write tmp: %w", err)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read src: %w", readErr)
		}
	}
}

// SafeCopy copies src to dst through WriteStream and verifies src was not
// modified while copying. The source mtime is preserved on dst.
func SafeCopy(ctx context.Context, fs afero.Fs, src, dst string) error {
	srcInfo, err := fs.Stat(src)
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}

	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer in.Close()

	if _, err := WriteStream(ctx, fs, dst, in); err != nil {
		return err
	}

	after, err := fs.Stat(src)
	if err != nil {
		return fmt.Errorf("re-stat src: %w", err)
	}
	if !after.ModTime().Equal(srcInfo.ModTime()) || after.Size() != srcInfo.Size() {
		fs.Remove(dst) //nolint:errcheck
		return ErrSourceModified
	}

	if err := fs.Chtimes(dst, nowFunc(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("chtimes dst: %w", err)
	}
	return nil
}

// ErrSourceModified is returned when SafeCopy detects that the source
// file changed during the copy.
var ErrSourceModified = fmt.Errorf("source modified during copy")

// fileExists reports whether path exists as a regular file.
func fileExists(fs afero.Fs, path string) bool {
	if path == "" {
		return false
	}
	info, err := fs.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// removeIfExists deletes path, treating "not found" as success.
func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
