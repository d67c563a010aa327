package httpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type requestLoggerKey struct{}

// quietPaths are polled by health checks and dashboards. Successful
// requests to them are logged at debug.
var quietPaths = map[string]struct{}{
	"/healthz":     {},
	"/api/healthz": {},
	"/readyz":      {},
	"/api/readyz":  {},
	"/metrics":     {},
	"/api/report":  {},
	"/api/totals":  {},
	"/api/gpus":    {},
	"/version":     {},
	"/api/version": {},
}

// statusRecorder remembers the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	written  int64
	upgraded bool
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

func (rec *statusRecorder) statusCode() int {
	switch {
	case rec.upgraded:
		return http.StatusSwitchingProtocols
	case rec.status == 0:
		return http.StatusOK
	default:
		return rec.status
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for WebSocket upgrades.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		rec.upgraded = true
	}
	return conn, rw, err
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := s.requestIDs.Add(1)
		logger := s.logger.With("req_id", reqID, "method", r.Method, "path", r.URL.Path)
		if r.RemoteAddr != "" {
			logger = logger.With("remote_addr", r.RemoteAddr)
		}
		w.Header().Set("X-Request-Id", strconv.FormatUint(reqID, 10))

		rec := &statusRecorder{ResponseWriter: w}
		started := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLoggerKey{}, logger)))

		status := rec.statusCode()
		logger.Log(r.Context(), requestLevel(r.URL.Path, status), "request complete",
			"status", status,
			"duration", time.Since(started),
			"bytes", rec.written,
		)
	})
}

// requestLevel picks the log level of a finished request: server errors
// warn, successful polls of quiet paths are debug, the rest is info.
func requestLevel(path string, status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelWarn
	}
	if status < http.StatusBadRequest && isQuietPath(path) {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func isQuietPath(path string) bool {
	if _, ok := quietPaths[path]; ok {
		return true
	}
	return strings.HasPrefix(path, "/debug/pprof/")
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(requestLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return s.logger
}
