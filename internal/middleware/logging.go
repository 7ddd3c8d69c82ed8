package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/wudi/hangar/internal/logging"
	"go.uber.org/zap"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// LoggingConfig configures the logging middleware
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// Logging creates a structured request logging middleware.
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates a logging middleware with custom config
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool)
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0

			next.ServeHTTP(lrw, r)

			duration := time.Since(start)

			fields := make([]zap.Field, 0, 8)
			fields = append(fields,
				zap.String("request_id", GetRequestID(r)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lrw.status),
				zap.Int64("body_bytes", lrw.bytes),
				zap.Duration("response_time", duration),
			)
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			logging.Info("HTTP request", fields...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Status returns the recorded status code
func (lrw *loggingResponseWriter) Status() int {
	return lrw.status
}
