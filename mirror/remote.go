package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/marusama/semaphore/v2"
	"github.com/spf13/afero"
)

const (
	listTimeout   = 30 * time.Second
	deleteTimeout = 10 * time.Second
	healthTimeout = 5 * time.Second

	uploadBaseTimeout = 60 * time.Second
	uploadStepTimeout = 30 * time.Second
	uploadStepBytes   = 10 * 1024 * 1024

	listCacheKey = "remote"
)

// forwardedHeaders are copied from the remote response on pass-through downloads.
var forwardedHeaders = []string{
	"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified", "ETag",
}

// RemoteConfig configures a RemoteClient.
type RemoteConfig struct {
	BaseURL      string        // directory URL on the NGINX server; empty disables remote operations
	ListEndpoint string        // JSON listing path, resolved against the server root
	FallbackDirs []string      // local dirs served when a pass-through download fails
	Private      []string      // files never served from the fallback dirs
	MaxDownloads int           // cap on concurrent remote fetches
	ListCacheTTL time.Duration // 0 disables the listing cache
	HTTPClient   *http.Client
}

// RemoteClient talks to the NGINX-backed file server.
type RemoteClient struct {
	base         *url.URL
	listURL      *url.URL
	fallbackDirs []string
	private      map[string]bool
	http         *http.Client
	fs           afero.Fs
	sem          semaphore.Semaphore
	listCache    *ttlcache.Cache[string, []RemoteEntry]
}

// NewRemoteClient builds a client. An empty BaseURL yields a disabled client
// whose remote operations fail with ErrNotConfigured.
func NewRemoteClient(fs afero.Fs, cfg RemoteConfig) (*RemoteClient, error) {
	c := &RemoteClient{
		fallbackDirs: cfg.FallbackDirs,
		private:      map[string]bool{},
		http:         cfg.HTTPClient,
		fs:           fs,
	}
	for _, p := range cfg.Private {
		c.private[filepath.Clean(p)] = true
		c.private[filepath.Clean(p)+".tmp"] = true
	}
	if c.http == nil {
		// No client-wide timeout: streaming downloads must not be cut off.
		c.http = &http.Client{}
	}

	maxDownloads := cfg.MaxDownloads
	if maxDownloads <= 0 {
		maxDownloads = 8
	}
	c.sem = semaphore.New(maxDownloads)

	if cfg.ListCacheTTL > 0 {
		c.listCache = ttlcache.New[string, []RemoteEntry](
			ttlcache.WithTTL[string, []RemoteEntry](cfg.ListCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []RemoteEntry](),
		)
	}

	if strings.TrimSpace(cfg.BaseURL) == "" {
		sub("remote").Warn("file server URL not set, remote operations disabled")
		return c, nil
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid file server url %q", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	c.base = base

	if cfg.ListEndpoint != "" {
		c.listURL = base.ResolveReference(&url.URL{Path: "/" + strings.TrimPrefix(cfg.ListEndpoint, "/")})
	}
	return c, nil
}

// Configured reports whether a base URL is set.
func (c *RemoteClient) Configured() bool {
	return c != nil && c.base != nil
}

// URLFor returns the public URL of filename on the file server.
func (c *RemoteClient) URLFor(filename string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	return fileURL(c.base, filename), nil
}

// UploadTimeout scales with size: 60s plus 30s per started 10MB, never below 60s.
func UploadTimeout(size int64) time.Duration {
	if size <= 0 {
		return uploadBaseTimeout
	}
	steps := (size + uploadStepBytes - 1) / uploadStepBytes
	return uploadBaseTimeout + time.Duration(steps)*uploadStepTimeout
}

// Upload PUTs localFile to the file server under the sanitized desiredName
// (the local base name when empty). localFile is a temp file and is removed
// whether or not the upload succeeds.
func (c *RemoteClient) Upload(ctx context.Context, localFile, desiredName string) (UploadResult, error) {
	l := sub("remote")
	defer func() {
		if err := removeIfExists(c.fs, localFile); err != nil {
			l.Warn("temp file cleanup failed", "path", localFile, "err", err)
		}
	}()

	if !c.Configured() {
		return UploadResult{}, ErrNotConfigured
	}

	if desiredName == "" {
		desiredName = filepath.Base(localFile)
	}
	filename := SanitizeFilename(desiredName)

	f, err := c.fs.Open(localFile)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("stat upload: %w", err)
	}

	timeout := UploadTimeout(info.Size())
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := fileURL(c.base, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return UploadResult{}, err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", MimeFromName(filename))

	l.Info("upload start", "filename", filename, "original", desiredName, "size", info.Size(), "timeout", timeout)
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return UploadResult{}, fmt.Errorf("%w after %s: %s", ErrUploadTimeout, timeout, filename)
		}
		return UploadResult{}, classifyTransportError(err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusInsufficientStorage:
		return UploadResult{}, ErrServerFull
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return UploadResult{}, ErrPayloadTooLarge
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return UploadResult{}, fmt.Errorf("upload %s: unexpected status %d", filename, resp.StatusCode)
	}

	c.invalidateListing()
	l.Info("upload done", "filename", filename, "status", resp.StatusCode)
	return UploadResult{Filename: filename, URL: target, Size: info.Size()}, nil
}

// DownloadStream is the body of a pass-through download. Exactly one of
// Body (remote) or Local (fallback file) is set.
type DownloadStream struct {
	Body       io.ReadCloser
	Local      afero.File
	Header     http.Header
	StatusCode int
	Source     string // "remote" or the fallback dir that served it
}

// Close releases whichever side is open.
func (d *DownloadStream) Close() error {
	if d.Body != nil {
		return d.Body.Close()
	}
	if d.Local != nil {
		return d.Local.Close()
	}
	return nil
}

// Download streams filename from the file server, forwarding rangeHeader.
// On any remote failure the same name is served from the fallback dirs,
// in order; only then does it fail with ErrNotFound.
func (c *RemoteClient) Download(ctx context.Context, filename, rangeHeader string) (*DownloadStream, error) {
	l := sub("remote")
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return nil, ErrInvalidFilename
	}

	var remoteErr error
	if c.Configured() {
		stream, err := c.get(ctx, filename, rangeHeader)
		if err == nil {
			return stream, nil
		}
		remoteErr = err
		l.Warn("remote download failed, trying local fallback", "filename", filename, "err", err)
	} else {
		remoteErr = ErrNotConfigured
	}

	for _, dir := range c.fallbackDirs {
		if strings.HasPrefix(filename, ".") {
			break
		}
		p := filepath.Join(dir, filename)
		if c.private[p] || !fileExists(c.fs, p) {
			continue
		}
		f, err := c.fs.Open(p)
		if err != nil {
			continue
		}
		l.Info("served from local fallback", "filename", filename, "dir", dir)
		return &DownloadStream{Local: f, Header: http.Header{}, StatusCode: http.StatusOK, Source: dir}, nil
	}
	return nil, fmt.Errorf("%w: %s (%v)", ErrNotFound, filename, remoteErr)
}

func (c *RemoteClient) get(ctx context.Context, filename, rangeHeader string) (*DownloadStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL(c.base, filename), nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		drain(resp)
		return nil, ErrRemoteNotFound
	default:
		drain(resp)
		return nil, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	h := http.Header{}
	for _, k := range forwardedHeaders {
		if v := resp.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	return &DownloadStream{Body: resp.Body, Header: h, StatusCode: resp.StatusCode, Source: "remote"}, nil
}

// Fetch opens filename on the file server for mirroring into local storage.
// It never falls back to local copies. Closing the body frees the download
// slot taken from the global cap.
func (c *RemoteClient) Fetch(ctx context.Context, filename string) (io.ReadCloser, string, error) {
	if !c.Configured() {
		return nil, "", ErrNotConfigured
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}

	stream, err := c.get(ctx, filename, "")
	if err != nil {
		c.sem.Release(1)
		if errors.Is(err, ErrRemoteNotFound) {
			return nil, "", fmt.Errorf("%w: %s", ErrRemoteNotFound, filename)
		}
		if errors.Is(err, ErrDownloadFailed) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	return &releasingBody{ReadCloser: stream.Body, release: func() { c.sem.Release(1) }},
		stream.Header.Get("Content-Type"), nil
}

// releasingBody frees a semaphore slot exactly once on Close.
type releasingBody struct {
	io.ReadCloser
	release func()
	closed  bool
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.closed {
		b.closed = true
		b.release()
	}
	return err
}

// Delete removes filename from the file server.
func (c *RemoteClient) Delete(ctx context.Context, filename string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fileURL(c.base, filename), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, filename)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("delete %s: unexpected status %d", filename, resp.StatusCode)
	}

	c.invalidateListing()
	sub("remote").Info("remote file deleted", "filename", filename)
	return nil
}

// ListUploaded fetches and parses the autoindex HTML of the base directory.
func (c *RemoteClient) ListUploaded(ctx context.Context) ([]RemoteEntry, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	body, status, err := c.getSmall(ctx, c.base.String())
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusForbidden:
		return nil, ErrListingDisabled
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: listing status %d", ErrDownloadFailed, status)
	}
	return ParseAutoindex(body, c.base)
}

// ListRemote returns the remote file list, preferring the JSON listing
// endpoint and falling back to the autoindex page only when it answers 404.
// Results are cached for the configured TTL.
func (c *RemoteClient) ListRemote(ctx context.Context) ([]RemoteEntry, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if c.listCache != nil {
		if item := c.listCache.Get(listCacheKey); item != nil {
			return item.Value(), nil
		}
	}

	entries, err := c.listJSON(ctx)
	if errors.Is(err, errNoJSONListing) {
		entries, err = c.ListUploaded(ctx)
	}
	if err != nil {
		return nil, err
	}

	if c.listCache != nil {
		c.listCache.Set(listCacheKey, entries, ttlcache.DefaultTTL)
	}
	sub("remote").Debug("remote listing", "files", len(entries))
	return entries, nil
}

// RefreshRemote drops any cached listing and lists the server again. The
// fresh result repopulates the cache.
func (c *RemoteClient) RefreshRemote(ctx context.Context) ([]RemoteEntry, error) {
	c.invalidateListing()
	return c.ListRemote(ctx)
}

var errNoJSONListing = errors.New("no json listing endpoint")

func (c *RemoteClient) listJSON(ctx context.Context) ([]RemoteEntry, error) {
	if c.listURL == nil {
		return nil, errNoJSONListing
	}
	body, status, err := c.getSmall(ctx, c.listURL.String())
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return ParseJSONListing(body, c.base)
	case http.StatusNotFound:
		return nil, errNoJSONListing
	default:
		return nil, fmt.Errorf("%w: json listing status %d", ErrDownloadFailed, status)
	}
}

func (c *RemoteClient) invalidateListing() {
	if c.listCache != nil {
		c.listCache.Delete(listCacheKey)
	}
}

// getSmall performs a bounded GET and reads the whole body.
func (c *RemoteClient) getSmall(ctx context.Context, target string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read listing: %w", err)
	}
	return body, resp.StatusCode, nil
}

// HealthCheck probes the file server root. It never fails.
func (c *RemoteClient) HealthCheck(ctx context.Context) HealthStatus {
	if !c.Configured() {
		return HealthStatus{Status: "disabled", Message: "file server URL not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	root := c.base.ResolveReference(&url.URL{Path: "/"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root.String(), nil)
	if err != nil {
		return HealthStatus{Status: "unhealthy", Message: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthStatus{Status: "unhealthy", Message: classifyTransportError(err).Error()}
	}
	defer drain(resp)

	if resp.StatusCode >= 500 {
		return HealthStatus{Status: "unhealthy", Message: fmt.Sprintf("file server returned %d", resp.StatusCode)}
	}
	return HealthStatus{Status: "healthy", Message: fmt.Sprintf("file server reachable (%d)", resp.StatusCode)}
}

// classifyTransportError maps net/http client errors onto the package taxonomy.
func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
		}
		return err
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
	resp.Body.Close()
}
