package mirror

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, fake *fakeNginx, mutate func(*RemoteConfig)) *RemoteClient {
	t.Helper()
	cfg := RemoteConfig{BaseURL: fake.baseURL(), ListEndpoint: "/files", MaxDownloads: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewRemoteClient(afero.NewOsFs(), cfg)
	require.NoError(t, err)
	return c
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestUploadTimeout(t *testing.T) {
	assert.Equal(t, 60*time.Second, UploadTimeout(0))
	assert.Equal(t, 90*time.Second, UploadTimeout(1))
	assert.Equal(t, 90*time.Second, UploadTimeout(10*1024*1024))
	assert.Equal(t, 120*time.Second, UploadTimeout(10*1024*1024+1))
}

func TestNewRemoteClient_Unconfigured(t *testing.T) {
	c, err := NewRemoteClient(afero.NewOsFs(), RemoteConfig{})
	require.NoError(t, err)
	assert.False(t, c.Configured())

	ctx := context.Background()
	_, err = c.ListRemote(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, c.Delete(ctx, "a.png"), ErrNotConfigured)
	_, err = c.URLFor("a.png")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, "disabled", c.HealthCheck(ctx).Status)

	tmp := writeTemp(t, "x.txt", []byte("x"))
	_, err = c.Upload(ctx, tmp, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoFileExists(t, tmp, "temp file removed even when upload cannot start")
}

func TestNewRemoteClient_InvalidURL(t *testing.T) {
	_, err := NewRemoteClient(afero.NewOsFs(), RemoteConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestUpload_SanitizesAndRemovesTemp(t *testing.T) {
	fake := newFakeNginx(t)
	c := newClient(t, fake, nil)

	tmp := writeTemp(t, "upload-123", []byte("hello"))
	res, err := c.Upload(context.Background(), tmp, "Résumé final.PDF")
	require.NoError(t, err)

	assert.Equal(t, "Resume_final.pdf", res.Filename)
	assert.Equal(t, fake.baseURL()+"/Resume_final.pdf", res.URL)
	assert.Equal(t, int64(5), res.Size)
	assert.NoFileExists(t, tmp)

	data, ok := fake.get("Resume_final.pdf")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestUpload_StatusMapping(t *testing.T) {
	fake := newFakeNginx(t)
	c := newClient(t, fake, nil)
	fake.setStatus("full.bin", http.StatusInsufficientStorage)
	fake.setStatus("huge.bin", http.StatusRequestEntityTooLarge)

	_, err := c.Upload(context.Background(), writeTemp(t, "a", []byte("x")), "full.bin")
	assert.ErrorIs(t, err, ErrServerFull)

	tmp := writeTemp(t, "b", []byte("x"))
	_, err = c.Upload(context.Background(), tmp, "huge.bin")
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.NoFileExists(t, tmp)
}

func TestDownload_ForwardsRange(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("movie.mp4", []byte("0123456789"))
	c := newClient(t, fake, nil)

	stream, err := c.Download(context.Background(), "movie.mp4", "bytes=2-5")
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "remote", stream.Source)
	assert.Equal(t, http.StatusPartialContent, stream.StatusCode)
	assert.Equal(t, "bytes 2-5/10", stream.Header.Get("Content-Range"))
	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(body))
}

func TestDownload_FallsBackToLocalDirs(t *testing.T) {
	fake := newFakeNginx(t)
	uploads, storage := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(storage, "old.txt"), []byte("local"), 0644))
	c := newClient(t, fake, func(cfg *RemoteConfig) { cfg.FallbackDirs = []string{uploads, storage} })

	stream, err := c.Download(context.Background(), "old.txt", "")
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, storage, stream.Source)
	body, err := io.ReadAll(stream.Local)
	require.NoError(t, err)
	assert.Equal(t, "local", string(body))

	_, err = c.Download(context.Background(), "nowhere.txt", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Download(context.Background(), "../etc/passwd", "")
	assert.ErrorIs(t, err, ErrInvalidFilename)
}

func TestDownload_FallbackSkipsPrivateAndHidden(t *testing.T) {
	fake := newFakeNginx(t)
	storage := t.TempDir()
	meta := filepath.Join(storage, "metadata.json")
	for _, name := range []string{"metadata.json", "metadata.json.tmp", ".mirrorignore"} {
		require.NoError(t, os.WriteFile(filepath.Join(storage, name), []byte("{}"), 0644))
	}
	c := newClient(t, fake, func(cfg *RemoteConfig) {
		cfg.FallbackDirs = []string{storage}
		cfg.Private = []string{meta}
	})

	for _, name := range []string{"metadata.json", "metadata.json.tmp", ".mirrorignore"} {
		_, err := c.Download(context.Background(), name, "")
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
}

func TestFetch_Errors(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("ok.txt", []byte("ok"))
	fake.setStatus("boom.txt", http.StatusInternalServerError)
	c := newClient(t, fake, nil)
	ctx := context.Background()

	body, ctype, err := c.Fetch(ctx, "ok.txt")
	require.NoError(t, err)
	assert.Contains(t, ctype, "text/plain")
	require.NoError(t, body.Close())

	_, _, err = c.Fetch(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrRemoteNotFound)

	_, _, err = c.Fetch(ctx, "boom.txt")
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestFetch_ReleasesSlots(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("a.txt", []byte("a"))
	c := newClient(t, fake, func(cfg *RemoteConfig) { cfg.MaxDownloads = 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		body, _, err := c.Fetch(ctx, "a.txt")
		require.NoError(t, err, "slot %d", i)
		require.NoError(t, body.Close())
		require.NoError(t, body.Close(), "double close is harmless")
	}
	for i := 0; i < 3; i++ {
		_, _, err := c.Fetch(ctx, "missing.txt")
		require.ErrorIs(t, err, ErrRemoteNotFound)
	}
}

func TestDelete(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("a.png", []byte("a"))
	c := newClient(t, fake, nil)

	require.NoError(t, c.Delete(context.Background(), "a.png"))
	_, ok := fake.get("a.png")
	assert.False(t, ok)

	assert.ErrorIs(t, c.Delete(context.Background(), "a.png"), ErrNotFound)
}

func TestListUploaded(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("b.png", []byte("bb"))
	fake.put("a file.png", []byte("a"))
	c := newClient(t, fake, nil)

	entries, err := c.ListUploaded(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a file.png", entries[0].Name)
	assert.Equal(t, int64(2), entries[1].Size)

	fake.setListingDisabled(true)
	_, err = c.ListUploaded(context.Background())
	assert.ErrorIs(t, err, ErrListingDisabled)
}

func TestListRemote_PrefersJSON(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("a.png", []byte("aaa"))
	fake.setJSONListing(true)
	fake.setListingDisabled(true) // would fail if the HTML page were used
	c := newClient(t, fake, nil)

	entries, err := c.ListRemote(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].Size)
	assert.False(t, entries[0].ModTime.IsZero())
}

func TestListRemote_FallsBackOn404(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("a.png", []byte("aaa"))
	c := newClient(t, fake, nil)

	entries, err := c.ListRemote(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.png", entries[0].Name)
}

func TestListRemote_Cache(t *testing.T) {
	fake := newFakeNginx(t)
	fake.put("a.png", []byte("a"))
	c := newClient(t, fake, func(cfg *RemoteConfig) { cfg.ListCacheTTL = time.Minute })
	ctx := context.Background()

	entries, err := c.ListRemote(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fake.put("b.png", []byte("b"))
	entries, err = c.ListRemote(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "served from cache")

	entries, err = c.RefreshRemote(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "refresh bypasses the cache")
	fake.put("b2.png", []byte("b"))
	entries, err = c.ListRemote(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "refresh repopulates the cache")

	_, err = c.Upload(ctx, writeTemp(t, "c", []byte("c")), "c.png")
	require.NoError(t, err)
	entries, err = c.ListRemote(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "upload invalidates the cache")
}

func TestHealthCheck(t *testing.T) {
	fake := newFakeNginx(t)
	c := newClient(t, fake, nil)
	assert.Equal(t, "healthy", c.HealthCheck(context.Background()).Status)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	c2, err := NewRemoteClient(afero.NewOsFs(), RemoteConfig{BaseURL: broken.URL + "/uploads"})
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", c2.HealthCheck(context.Background()).Status)
}

func TestServerUnreachable(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	base := gone.URL + "/uploads"
	gone.Close()

	c, err := NewRemoteClient(afero.NewOsFs(), RemoteConfig{BaseURL: base})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Delete(context.Background(), "a.png"), ErrServerUnreachable)
	h := c.HealthCheck(context.Background())
	assert.Equal(t, "unhealthy", h.Status)
}
