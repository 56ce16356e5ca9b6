package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeNginx imitates the file server: a PUT/GET/DELETE directory under
// /uploads/ with an autoindex page, and an optional JSON listing at /files.
type fakeNginx struct {
	srv *httptest.Server

	mu              gosync.Mutex
	files           map[string][]byte
	jsonListing     bool
	listingDisabled bool
	status          map[string]int // forced status per filename

	fileGets atomic.Int32

	getDelay    time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
	logMu       gosync.Mutex
	getLog      []string // "start:<name>" and "end:<name>" in arrival order
}

var fakeMtime = time.Date(2026, 10, 16, 10, 11, 0, 0, time.UTC)

func newFakeNginx(t *testing.T) *fakeNginx {
	t.Helper()
	f := &fakeNginx{files: map[string][]byte{}, status: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeNginx) baseURL() string { return f.srv.URL + "/uploads" }

func (f *fakeNginx) put(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = data
}

func (f *fakeNginx) get(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.files[name]
	return d, ok
}

func (f *fakeNginx) setStatus(name string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[name] = code
}

func (f *fakeNginx) setJSONListing(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jsonListing = on
}

func (f *fakeNginx) setListingDisabled(off bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listingDisabled = off
}

// slowGets delays every file GET so concurrent downloads overlap.
func (f *fakeNginx) slowGets(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getDelay = d
}

func (f *fakeNginx) logGet(event string) {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	f.getLog = append(f.getLog, event)
}

func (f *fakeNginx) getEvents() []string {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	return append([]string(nil), f.getLog...)
}

func (f *fakeNginx) names() []string {
	names := make([]string, 0, len(f.files))
	for n := range f.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *fakeNginx) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/uploads/") && r.URL.Path != "/uploads/" {
		f.serveGet(w, r, strings.TrimPrefix(r.URL.Path, "/uploads/"))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/":
		w.Write([]byte("welcome to nginx")) //nolint:errcheck
	case r.URL.Path == "/files":
		f.serveJSON(w)
	case r.URL.Path == "/uploads/":
		f.serveIndex(w)
	case strings.HasPrefix(r.URL.Path, "/uploads/"):
		f.serveFile(w, r, strings.TrimPrefix(r.URL.Path, "/uploads/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeNginx) serveJSON(w http.ResponseWriter) {
	if !f.jsonListing {
		http.NotFound(w, nil)
		return
	}
	items := make([]map[string]any, 0, len(f.files))
	for _, n := range f.names() {
		items = append(items, map[string]any{
			"name":  n,
			"type":  "file",
			"mtime": fakeMtime.Format(time.RFC1123),
			"size":  len(f.files[n]),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items) //nolint:errcheck
}

func (f *fakeNginx) serveIndex(w http.ResponseWriter) {
	if f.listingDisabled {
		http.Error(w, "403 Forbidden", http.StatusForbidden)
		return
	}
	var b strings.Builder
	b.WriteString("<html>\r\n<head><title>Index of /uploads/</title></head>\r\n<body>\r\n")
	b.WriteString(`<h1>Index of /uploads/</h1><hr><pre><a href="../">../</a>` + "\r\n")
	b.WriteString(`<a href="nested/">nested/</a>                                           16-Oct-2026 10:11                   -` + "\r\n")
	for _, n := range f.names() {
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>                                16-Oct-2026 10:11 %19d\r\n",
			url.PathEscape(n), n, len(f.files[n]))
	}
	b.WriteString("</pre><hr></body>\r\n</html>\r\n")
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(b.String())) //nolint:errcheck
}

func (f *fakeNginx) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	if code, ok := f.status[name]; ok {
		http.Error(w, http.StatusText(code), code)
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.files[name] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, ok := f.files[name]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.files, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// serveGet runs without holding mu so downloads can overlap. Start and end
// are recorded before the body is written, so an end always precedes any
// request the client makes after reading the body.
func (f *fakeNginx) serveGet(w http.ResponseWriter, r *http.Request, name string) {
	f.mu.Lock()
	code, forced := f.status[name]
	data, ok := f.files[name]
	delay := f.getDelay
	f.mu.Unlock()

	if forced {
		http.Error(w, http.StatusText(code), code)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	f.fileGets.Add(1)

	n := f.inflight.Add(1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	f.logGet("start:" + name)
	time.Sleep(delay)
	f.logGet("end:" + name)
	f.inflight.Add(-1)

	if name == "broken.bin" {
		// Promise more than we send, then drop the connection.
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(data[:len(data)/2]) //nolint:errcheck
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	http.ServeContent(w, r, name, fakeMtime, bytes.NewReader(data))
}

// testEnv is a fully wired set of components over a temp dir and a fake
// file server.
type testEnv struct {
	fake       *fakeNginx
	fs         afero.Fs
	storageDir string
	uploadsDir string
	meta       *MetadataStore
	remote     *RemoteClient
	events     *EventBus
	syncer     *Syncer
	migrator   *Migrator
	handlers   *Handlers
}

func newTestEnv(t *testing.T, opts ...func(*RemoteConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		fake:       newFakeNginx(t),
		fs:         afero.NewOsFs(),
		storageDir: dir + "/storage",
		uploadsDir: dir + "/uploads",
		events:     NewEventBus(),
	}
	require.NoError(t, env.fs.MkdirAll(env.storageDir, 0755))
	require.NoError(t, env.fs.MkdirAll(env.uploadsDir, 0755))

	cfg := RemoteConfig{
		BaseURL:      env.fake.baseURL(),
		ListEndpoint: "/files",
		FallbackDirs: []string{env.uploadsDir, env.storageDir},
		Private:      []string{env.storageDir + "/metadata.json"},
		MaxDownloads: 4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	remote, err := NewRemoteClient(env.fs, cfg)
	require.NoError(t, err)
	env.remote = remote

	env.meta = NewMetadataStore(env.fs, env.storageDir+"/metadata.json")
	env.syncer = NewSyncer(env.fs, remote, env.meta, SyncerConfig{StorageDir: env.storageDir, Events: env.events})
	env.migrator = NewMigrator(env.fs, env.meta, env.uploadsDir, env.storageDir, env.events)
	env.handlers = NewHandlers(HandlersConfig{
		Fs:          env.fs,
		Meta:        env.meta,
		Remote:      remote,
		Syncer:      env.syncer,
		Migrator:    env.migrator,
		Events:      env.events,
		StorageDir:  env.storageDir,
		Concurrency: 2,
	})
	return env
}

func (e *testEnv) router() http.Handler {
	return NewRouter(e.handlers, RouterOptions{})
}
