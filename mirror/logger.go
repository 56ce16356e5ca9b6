package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger for all mirror operations.
// Defaults to a no-op (discard) handler until InitLogger is called.
var logger *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// InitLogger configures the mirror package logger.
// Console output is always on: INFO→stdout, WARN/ERROR→stderr.
// If logDir is non-empty, level-split rotating files are written as well:
//   - mirror_warn.log:  WARN + ERROR
//   - mirror_info.log:  INFO only (5MB, 2 backups)
//   - mirror_debug.log: DEBUG only, only when level is "debug"
func InitLogger(logDir, level string) {
	minLevel := ParseLevel(level)

	console := &consoleHandler{
		stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: minLevel}),
		stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		min:    minLevel,
	}

	handlers := []slog.Handler{console, &errorCaptureHandler{}}

	if logDir != "" {
		os.MkdirAll(logDir, 0750) //nolint:errcheck

		handlers = append(handlers,
			slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(logDir, "mirror_warn.log"),
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     30,
			}, &slog.HandlerOptions{Level: slog.LevelWarn}),
			&levelRangeHandler{
				min: slog.LevelInfo,
				max: slog.LevelInfo,
				inner: slog.NewTextHandler(&lumberjack.Logger{
					Filename:   filepath.Join(logDir, "mirror_info.log"),
					MaxSize:    5,
					MaxBackups: 2,
				}, &slog.HandlerOptions{Level: slog.LevelInfo}),
			},
		)

		if minLevel <= slog.LevelDebug {
			handlers = append(handlers, &levelRangeHandler{
				min: slog.LevelDebug,
				max: slog.LevelDebug,
				inner: slog.NewTextHandler(&lumberjack.Logger{
					Filename:   filepath.Join(logDir, "mirror_debug.log"),
					MaxSize:    5,
					MaxBackups: 1,
				}, &slog.HandlerOptions{Level: slog.LevelDebug}),
			})
		}
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	slog.SetDefault(logger.With("comp", "main"))
}

// ParseLevel maps a config string to a slog level. Unknown values mean INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// logEnabled reports whether the given log level is enabled.
// Guards expensive DEBUG logging in per-file loops.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// consoleHandler routes records below WARN to stdout and the rest to stderr.
type consoleHandler struct {
	stdout slog.Handler
	stderr slog.Handler
	min    slog.Level
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{stdout: h.stdout.WithAttrs(attrs), stderr: h.stderr.WithAttrs(attrs), min: h.min}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{stdout: h.stdout.WithGroup(name), stderr: h.stderr.WithGroup(name), min: h.min}
}

// LogEntry is a captured error-level log record, surfaced in /storage/stats.
type LogEntry struct {
	Time     time.Time `json:"time"`
	Comp     string    `json:"comp"`
	Message  string    `json:"message"`
	Filename string    `json:"filename,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const errorRingSize = 5

var errorRing struct {
	mu      gosync.Mutex
	entries [errorRingSize]LogEntry
	count   int
}

// RecentErrors returns the most recent error log entries, newest first.
func RecentErrors() []LogEntry {
	errorRing.mu.Lock()
	defer errorRing.mu.Unlock()
	n := min(errorRing.count, errorRingSize)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = errorRing.entries[(errorRing.count-1-i)%errorRingSize]
	}
	return out
}

// errorCaptureHandler keeps the last few ERROR records in errorRing.
// Attributes added with With() are not visible here, only call-site ones.
type errorCaptureHandler struct{}

func (h *errorCaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *errorCaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Message: r.Message}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "filename":
			entry.Filename = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	})
	errorRing.mu.Lock()
	errorRing.entries[errorRing.count%errorRingSize] = entry
	errorRing.count++
	errorRing.mu.Unlock()
	return nil
}

func (h *errorCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	for _, a := range attrs {
		if a.Key == "comp" {
			return &compTaggedCapture{comp: a.Value.String()}
		}
	}
	return h
}

func (h *errorCaptureHandler) WithGroup(_ string) slog.Handler { return h }

// compTaggedCapture is errorCaptureHandler after sub() bound a component.
type compTaggedCapture struct {
	comp string
}

func (h *compTaggedCapture) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *compTaggedCapture) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("comp", h.comp))
	return (&errorCaptureHandler{}).Handle(ctx, r)
}

func (h *compTaggedCapture) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *compTaggedCapture) WithGroup(_ string) slog.Handler      { return h }

// levelRangeHandler passes only records within [min, max].
type levelRangeHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *levelRangeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *levelRangeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelRangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelRangeHandler) WithGroup(name string) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// multiHandler fans a record out to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
