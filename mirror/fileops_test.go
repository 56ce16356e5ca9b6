package mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTmpPath_HiddenSibling(t *testing.T) {
	p := tmpPath("/store/photo.png")
	assert.Equal(t, "/store", filepath.Dir(p))
	assert.True(t, strings.HasPrefix(filepath.Base(p), ".photo.png."))
	assert.True(t, strings.HasSuffix(p, ".part"))
	assert.NotEqual(t, p, tmpPath("/store/photo.png"))
}

func TestHashFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.txt", []byte("hello"), 0644))

	hash, size, err := HashFile(fs, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
	assert.Equal(t, int64(5), size)

	_, _, err = HashFile(fs, "/missing")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteStream_Basic(t *testing.T) {
	fs := afero.NewMemMapFs()
	n, err := WriteStream(context.Background(), fs, "/store/sub/out.bin", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	got, err := afero.ReadFile(fs, "/store/sub/out.bin")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

// failingReader yields some bytes and then an error.
type failingReader struct {
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, io.ErrUnexpectedEOF
	}
	r.sent = true
	return copy(p, "partial"), nil
}

func TestWriteStream_FailureKeepsOldAndRemovesPartial(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	dst := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(dst, []byte("previous"), 0644))

	_, err := WriteStream(context.Background(), fs, dst, &failingReader{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the original file remains")
}

func TestWriteStream_Cancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WriteStream(ctx, fs, "/out.bin", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
	exists, _ := afero.Exists(fs, "/out.bin")
	assert.False(t, exists)
}

func TestSafeCopy_PreservesMtime(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "out", "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0644))
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	require.NoError(t, SafeCopy(context.Background(), fs, src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
	assert.FileExists(t, src, "source left in place")
}

func TestSafeCopy_MissingSource(t *testing.T) {
	err := SafeCopy(context.Background(), afero.NewMemMapFs(), "/nope", "/dst")
	assert.Error(t, err)
}

func TestFileExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dir", 0755))
	require.NoError(t, afero.WriteFile(fs, "/dir/f", []byte("x"), 0644))

	assert.True(t, fileExists(fs, "/dir/f"))
	assert.False(t, fileExists(fs, "/dir"))
	assert.False(t, fileExists(fs, "/dir/g"))
	assert.False(t, fileExists(fs, ""))
}

func TestRemoveIfExists(t *testing.T) {
	fs := afero.NewOsFs()
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))

	require.NoError(t, removeIfExists(fs, p))
	require.NoError(t, removeIfExists(fs, p))
	assert.NoFileExists(t, p)
}
