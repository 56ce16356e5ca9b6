package mirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
)

const maxUploadMemory = 32 << 20

// envelope is the JSON body of every /storage response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StatsResponse is the body of GET /storage/stats.
type StatsResponse struct {
	TotalFiles       int        `json:"totalFiles"`
	TotalSize        int64      `json:"totalSize"`
	FormattedSize    string     `json:"formattedSize"`
	LastSync         *time.Time `json:"lastSync"`
	StorageDir       string     `json:"storageDir"`
	RemoteConfigured bool       `json:"remoteConfigured"`
	RemoteFiles      *int       `json:"remoteFiles,omitempty"`
	DiskTotal        uint64     `json:"diskTotal,omitempty"`
	DiskFree         uint64     `json:"diskFree,omitempty"`
	DiskUsedPercent  float64    `json:"diskUsedPercent,omitempty"`
	QueueLen         int        `json:"queueLen"`
	Subscribers      int        `json:"subscribers"`
	RecentErrors     []LogEntry `json:"recentErrors"`
}

// Handlers holds the HTTP handlers for the storage API.
type Handlers struct {
	fs          afero.Fs
	meta        *MetadataStore
	remote      *RemoteClient
	syncer      *Syncer
	migrator    *Migrator
	events      *EventBus
	daemon      *Daemon
	storageDir  string
	concurrency int
}

// HandlersConfig wires the storage API to its collaborators. Daemon may be nil.
type HandlersConfig struct {
	Fs          afero.Fs
	Meta        *MetadataStore
	Remote      *RemoteClient
	Syncer      *Syncer
	Migrator    *Migrator
	Events      *EventBus
	Daemon      *Daemon
	StorageDir  string
	Concurrency int // default for sync and batch requests that omit it
}

// NewHandlers creates the storage HTTP handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		fs:          cfg.Fs,
		meta:        cfg.Meta,
		remote:      cfg.Remote,
		syncer:      cfg.Syncer,
		migrator:    cfg.Migrator,
		events:      cfg.Events,
		daemon:      cfg.Daemon,
		storageDir:  cfg.StorageDir,
		concurrency: cfg.Concurrency,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	l := sub("handlers")
	if status >= 500 {
		l.Error("request failed", "status", status, "err", err)
	} else {
		l.Debug("request rejected", "status", status, "err", err)
	}
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: msg})
}

// decodeBody reads an optional JSON body into v. An empty body is accepted.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// record resolves {filename} to its FileRecord, writing the error response
// when there is none.
func (h *Handlers) record(w http.ResponseWriter, r *http.Request) (FileRecord, bool) {
	name := mux.Vars(r)["filename"]
	rec, ok := h.meta.Get(name)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", ErrNotFound, name))
		return FileRecord{}, false
	}
	return rec, true
}

// HandleStats handles GET /storage/stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	snap := h.meta.Snapshot()
	resp := StatsResponse{
		TotalFiles:       snap.TotalFiles,
		TotalSize:        snap.TotalSize,
		FormattedSize:    humanize.Bytes(uint64(max(snap.TotalSize, 0))),
		LastSync:         snap.LastSync,
		StorageDir:       h.storageDir,
		RemoteConfigured: h.remote.Configured(),
		Subscribers:      h.events.Subscribers(),
		RecentErrors:     RecentErrors(),
	}
	if usage, err := disk.UsageWithContext(r.Context(), h.storageDir); err == nil {
		resp.DiskTotal = usage.Total
		resp.DiskFree = usage.Free
		resp.DiskUsedPercent = usage.UsedPercent
	} else {
		sub("handlers").Debug("disk usage unavailable", "dir", h.storageDir, "err", err)
	}
	if resp.RemoteConfigured {
		if entries, err := h.remote.ListRemote(r.Context()); err == nil {
			resp.RemoteFiles = lo.ToPtr(len(entries))
		} else {
			sub("handlers").Debug("remote listing unavailable", "err", err)
		}
	}
	if h.daemon != nil {
		resp.QueueLen = h.daemon.Queue().Len()
	}
	writeOK(w, "", resp)
}

// HandleListFiles handles GET /storage/files
func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	files := h.meta.List()
	writeOK(w, fmt.Sprintf("%d files", len(files)), files)
}

// HandleSearch handles GET /storage/search?query=&type=&size_min=&size_max=
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.ToLower(strings.TrimSpace(q.Get("query")))
	kind := strings.ToLower(q.Get("type"))

	sizeMin, sizeMax := int64(-1), int64(-1)
	for key, dst := range map[string]*int64{"size_min": &sizeMin, "size_max": &sizeMax} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "invalid "+key)
			return
		}
		*dst = n
	}

	matches := lo.Filter(h.meta.List(), func(rec FileRecord, _ int) bool {
		if query != "" &&
			!strings.Contains(strings.ToLower(rec.Filename), query) &&
			!strings.Contains(strings.ToLower(rec.OriginalName), query) {
			return false
		}
		if kind != "" && kind != "all" && ClassifyType(rec.Mimetype) != kind {
			return false
		}
		if sizeMin >= 0 && rec.Size < sizeMin {
			return false
		}
		if sizeMax >= 0 && rec.Size > sizeMax {
			return false
		}
		return true
	})
	writeOK(w, fmt.Sprintf("%d files match", len(matches)), matches)
}

// HandleGetFile handles GET /storage/files/{filename}
func (h *Handlers) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	writeOK(w, "", rec)
}

// HandleDownloadLocal handles GET /storage/files/{filename}/download
func (h *Handlers) HandleDownloadLocal(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	f, err := h.fs.Open(rec.LocalPath)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %s", ErrMissingOnDisk, rec.Filename))
		return
	}
	defer f.Close()

	modTime := time.Time{}
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Filename}))
	w.Header().Set("Content-Type", rec.Mimetype)
	http.ServeContent(w, r, rec.Filename, modTime, f)
}

// HandleVerify handles GET /storage/files/{filename}/verify
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	res, err := h.meta.Verify(name)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "File integrity verified"
	if !res.Valid {
		msg = "File integrity check failed: " + res.Error
	}
	writeOK(w, msg, res)
}

// HandleThumbnail handles GET /storage/files/{filename}/thumbnail?size=
func (h *Handlers) HandleThumbnail(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	size := DefaultThumbSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "invalid size")
			return
		}
		size = n
	}

	var buf bytes.Buffer
	if err := Thumbnail(h.fs, rec, size, &buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(buf.Bytes()) //nolint:errcheck
}

// HandleExif handles GET /storage/files/{filename}/exif
func (h *Handlers) HandleExif(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	tags, err := ExifTags(h.fs, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "", tags)
}

// HandleSubtitles handles GET /storage/files/{filename}/subtitles.vtt
func (h *Handlers) HandleSubtitles(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := SubtitlesVTT(h.fs, rec, &buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.Write(buf.Bytes()) //nolint:errcheck
}

// DownloadRequest is the body of POST /storage/download.
type DownloadRequest struct {
	Filename string `json:"filename"`
}

// HandleDownloadRemote handles POST /storage/download
func (h *Handlers) HandleDownloadRemote(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		badRequest(w, "filename is required")
		return
	}

	sub("handlers").Info("HTTP download", "filename", req.Filename)
	rec, err := h.syncer.DownloadSingle(r.Context(), req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "File downloaded successfully", rec)
}

// BatchRequest is the body of POST /storage/download/batch.
type BatchRequest struct {
	Filenames   []string `json:"filenames"`
	Concurrency int      `json:"concurrency,omitempty"`
}

// HandleDownloadBatch handles POST /storage/download/batch. It answers 200
// with a summary whatever the per-file outcome.
func (h *Handlers) HandleDownloadBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if len(req.Filenames) == 0 {
		badRequest(w, "filenames must be a non-empty array")
		return
	}
	if !h.remote.Configured() {
		writeError(w, ErrNotConfigured)
		return
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = h.concurrency
	}
	sub("handlers").Info("HTTP batch download", "files", len(req.Filenames), "concurrency", concurrency)
	res := h.syncer.DownloadBatch(r.Context(), req.Filenames, concurrency)
	writeJSON(w, http.StatusOK, envelope{Success: res.Err() == nil, Message: res.Message, Data: res})
}

// SyncRequest is the optional body of POST /storage/sync.
type SyncRequest struct {
	Concurrency int `json:"concurrency,omitempty"`
}

// HandleSync handles POST /storage/sync
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = h.concurrency
	}

	sub("handlers").Info("HTTP sync", "concurrency", concurrency)
	res, err := h.syncer.SyncAll(r.Context(), concurrency)
	switch {
	case err == nil:
		writeOK(w, res.Message, res)
	case res.Message != "":
		// The remote could not be listed; answer with the usual summary.
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: res.Message, Error: err.Error(), Data: res})
	default:
		writeError(w, err)
	}
}

// HandleDeleteLocal handles DELETE /storage/files/{filename}
func (h *Handlers) HandleDeleteLocal(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	if _, err := h.meta.Remove(name); err != nil {
		writeError(w, err)
		return
	}
	h.events.Publish(SyncEvent{Type: EventDeleted, Filename: name, Status: "ok"})
	writeOK(w, "File deleted successfully", nil)
}

// HandleClear handles DELETE /storage/clear
func (h *Handlers) HandleClear(w http.ResponseWriter, r *http.Request) {
	n := h.meta.Clear()
	sub("handlers").Warn("local storage cleared", "removed", n, "ip", clientIP(r))
	writeOK(w, fmt.Sprintf("Local storage cleared. %d files removed", n), map[string]int{"removed": n})
}

// HandleMigrationStatus handles GET /storage/migration/status
func (h *Handlers) HandleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.migrator.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "", st)
}

// HandleMigrate handles POST /storage/migration/migrate
func (h *Handlers) HandleMigrate(w http.ResponseWriter, r *http.Request) {
	res, err := h.migrator.Migrate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, res.Message, res)
}

// HandleListUploaded handles GET /storage/uploaded/files
func (h *Handlers) HandleListUploaded(w http.ResponseWriter, r *http.Request) {
	entries, err := h.remote.ListUploaded(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []RemoteEntry{}
	}
	writeOK(w, fmt.Sprintf("%d files on file server", len(entries)), entries)
}

// HandleUpload handles POST /storage/uploaded/files (multipart field "file",
// optional field "filename").
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		badRequest(w, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	part, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file is required")
		return
	}
	defer part.Close()

	name := r.FormValue("filename")
	if name == "" {
		name = header.Filename
	}

	tmp, err := afero.TempFile(h.fs, "", "filemirror-upload-*")
	if err != nil {
		writeError(w, fmt.Errorf("create temp file: %w", err))
		return
	}
	if _, err := io.Copy(tmp, part); err != nil {
		tmp.Close()
		h.fs.Remove(tmp.Name()) //nolint:errcheck
		writeError(w, fmt.Errorf("buffer upload: %w", err))
		return
	}
	tmp.Close()

	l.Info("HTTP upload", "name", name, "size", header.Size, "ip", clientIP(r))
	res, err := h.remote.Upload(r.Context(), tmp.Name(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "File uploaded successfully", res)
}

// HandleRemoteDownload handles GET /storage/uploaded/files/{filename}/download.
// The Range header is forwarded; local fallback copies are served with
// range support of their own.
func (h *Handlers) HandleRemoteDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	stream, err := h.remote.Download(r.Context(), name, r.Header.Get("Range"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	if stream.Local != nil {
		modTime := time.Time{}
		if info, err := stream.Local.Stat(); err == nil {
			modTime = info.ModTime()
		}
		w.Header().Set("Content-Type", MimeFromName(name))
		http.ServeContent(w, r, name, modTime, stream.Local)
		return
	}

	for k, vs := range stream.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(stream.StatusCode)
	if _, err := io.Copy(w, stream.Body); err != nil && r.Context().Err() == nil {
		sub("handlers").Warn("pass-through stream interrupted", "filename", name, "err", err)
	}
}

// HandleRemoteURL handles GET /storage/uploaded/files/{filename}/url
func (h *Handlers) HandleRemoteURL(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	u, err := h.remote.URLFor(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "", map[string]string{"filename": name, "url": u})
}

// HandleRemoteDelete handles DELETE /storage/uploaded/files/{filename}
func (h *Handlers) HandleRemoteDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	if err := h.remote.Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "File deleted from file server", nil)
}

// HandleHealth handles GET /storage/health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.remote.HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, envelope{Success: st.Status != "unhealthy", Message: st.Message, Data: st})
}

// HandleExport handles GET /storage/export
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	name := "filemirror-" + nowFunc().Format("20060102-150405") + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if _, err := Export(r.Context(), h.fs, h.meta, w); err != nil {
		// Headers are gone by now; the client sees a truncated archive.
		sub("handlers").Error("export failed", "err", err)
	}
}

// HandleSSE handles GET /storage/events (Server-Sent Events stream).
func (h *Handlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.events.Subscribe()
	defer h.events.Unsubscribe(ch)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n") //nolint:errcheck
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HandleWS handles GET /storage/events/ws. Same events as the SSE stream,
// one JSON message per event.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := h.events.Subscribe()
	defer h.events.Unsubscribe(ch)

	// Reader goroutine: only to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
			if err := conn.WriteJSON(event); err != nil {
				l.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
