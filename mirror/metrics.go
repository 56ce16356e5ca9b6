package mirror

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemirror_downloads_total",
			Help: "Remote downloads into local storage, by result",
		},
		[]string{"result"},
	)

	downloadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filemirror_downloaded_bytes_total",
		Help: "Bytes written to local storage by downloads",
	})

	syncPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filemirror_sync_passes_total",
		Help: "Completed full sync passes",
	})

	migratedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemirror_migrated_files_total",
			Help: "Files promoted from the legacy uploads directory, by result",
		},
		[]string{"result"},
	)

	localFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filemirror_local_files",
		Help: "Records in local metadata",
	})

	localBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filemirror_local_bytes",
		Help: "Sum of record sizes in local metadata",
	})

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemirror_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filemirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method", "route"},
	)
)

func setLocalGauges(files int, size int64) {
	localFiles.Set(float64(files))
	localBytes.Set(float64(size))
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// metricsMiddleware records request counts and latency by route template.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
