package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hingebase/mahoraga-go/pkg/format"
)

type contextKey string

const requestIDKey contextKey = "request_id"

const headerRequestID = "X-Mahoraga-Request-Id"

// responseWriter wraps http.ResponseWriter to capture the status and byte
// count an access-log line needs, and forwards Flush so streamed responses
// (the StreamEngine's teeing path in particular) aren't buffered.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestID retrieves the request id stashed by AccessLog, or "" outside a
// request scope.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// AccessLog assigns each request an id, logs its completion at info level
// when enabled, and sets the X-Mahoraga-Request-Id response header.
func AccessLog(logger *slog.Logger, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(headerRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(headerRequestID, requestID)

			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			wrapped := &responseWriter{ResponseWriter: w}

			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			duration := time.Since(start)

			if !enabled {
				return
			}
			logger.Info("request completed",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", format.Duration(duration),
				"response_bytes", wrapped.size,
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// Recover converts a panicking handler into a 500 response instead of
// crashing the process, logging the panic value first.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", "panic", rec, "path", r.URL.Path, "request_id", RequestID(r.Context()))
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
