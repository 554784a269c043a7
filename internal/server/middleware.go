package server

import (
	"net/http"
	"time"
)

// slowRequestThreshold is the duration above which requests are logged at
// WARN level.
const slowRequestThreshold = 500 * time.Millisecond

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs all requests with timing. Slow requests are
// logged at WARN level. The websocket endpoint is skipped because hijacked
// connections stay open for the lifetime of the job.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if isWebsocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
		}

		switch {
		case rec.status >= 500:
			s.logger.Error("request failed", attrs...)
		case duration > slowRequestThreshold:
			s.logger.Warn("slow request", attrs...)
		default:
			s.logger.Debug("request completed", attrs...)
		}
	})
}

func isWebsocketUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket"
}
