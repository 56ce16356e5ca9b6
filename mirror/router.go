package mirror

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomasen/realip"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	JWTSecret string // empty disables authentication on /storage
}

// NewRouter mounts the storage API, /healthz and /metrics.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger, metricsMiddleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok")) //nolint:errcheck
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s := r.PathPrefix("/storage").Subrouter()
	if opts.JWTSecret != "" {
		s.Use(jwtAuth([]byte(opts.JWTSecret)))
	}

	s.HandleFunc("/stats", h.HandleStats).Methods(http.MethodGet)
	s.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	s.HandleFunc("/search", h.HandleSearch).Methods(http.MethodGet)
	s.HandleFunc("/export", h.HandleExport).Methods(http.MethodGet)
	s.HandleFunc("/events", h.HandleSSE).Methods(http.MethodGet)
	s.HandleFunc("/events/ws", h.HandleWS).Methods(http.MethodGet)

	s.HandleFunc("/files", h.HandleListFiles).Methods(http.MethodGet)
	s.HandleFunc("/files/{filename}", h.HandleGetFile).Methods(http.MethodGet)
	s.HandleFunc("/files/{filename}", h.HandleDeleteLocal).Methods(http.MethodDelete)
	s.HandleFunc("/files/{filename}/download", h.HandleDownloadLocal).Methods(http.MethodGet)
	s.HandleFunc("/files/{filename}/verify", h.HandleVerify).Methods(http.MethodGet)
	s.HandleFunc("/files/{filename}/thumbnail", h.HandleThumbnail).Methods(http.MethodGet)
	s.HandleFunc("/files/{filename}/exif", h.HandleExif).Methods(http.MethodGet)
	s.HandleFunc("/files/{filename}/subtitles.vtt", h.HandleSubtitles).Methods(http.MethodGet)
	s.HandleFunc("/clear", h.HandleClear).Methods(http.MethodDelete)

	s.HandleFunc("/download", h.HandleDownloadRemote).Methods(http.MethodPost)
	s.HandleFunc("/download/batch", h.HandleDownloadBatch).Methods(http.MethodPost)
	s.HandleFunc("/sync", h.HandleSync).Methods(http.MethodPost)

	s.HandleFunc("/migration/status", h.HandleMigrationStatus).Methods(http.MethodGet)
	s.HandleFunc("/migration/migrate", h.HandleMigrate).Methods(http.MethodPost)

	s.HandleFunc("/uploaded/files", h.HandleListUploaded).Methods(http.MethodGet)
	s.HandleFunc("/uploaded/files", h.HandleUpload).Methods(http.MethodPost)
	s.HandleFunc("/uploaded/files/{filename}", h.HandleRemoteDelete).Methods(http.MethodDelete)
	s.HandleFunc("/uploaded/files/{filename}/download", h.HandleRemoteDownload).Methods(http.MethodGet)
	s.HandleFunc("/uploaded/files/{filename}/url", h.HandleRemoteURL).Methods(http.MethodGet)

	return r
}

func clientIP(r *http.Request) string {
	return realip.FromRequest(r)
}

// requestLogger logs one line per request: INFO for mutations and failures,
// DEBUG for successful reads.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if r.Method != http.MethodGet || rec.status >= 400 {
			level = slog.LevelInfo
		}
		if !logEnabled(level) {
			return
		}
		sub("http").Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"ip", clientIP(r),
			"elapsed", time.Since(start),
		)
	})
}

// jwtAuth requires an HS256 bearer token signed with secret. The token may
// also be passed as ?token= for EventSource and websocket clients, which
// cannot set headers.
func jwtAuth(secret []byte) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.URL.Query().Get("token")
			if auth := r.Header.Get("Authorization"); auth != "" {
				var ok bool
				raw, ok = strings.CutPrefix(auth, "Bearer ")
				if !ok {
					raw = ""
				}
			}
			if raw == "" {
				writeJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "missing bearer token"})
				return
			}

			_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
				sub("http").Info("auth rejected", "ip", clientIP(r), "path", r.URL.Path, "err", err)
				writeJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: msg})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
