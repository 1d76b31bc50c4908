package api

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

var debugLogging atomic.Bool

// SetDebugLogging включает подробные логи HTTP, авторизации и WebSocket.
func SetDebugLogging(enabled bool) {
	debugLogging.Store(enabled)
}

func logDebugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf(format, args...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap даёт http.ResponseController и Hijack добраться до исходного writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// logRequests пишет в debug-лог метод, путь, код и длительность запроса.
// WebSocket-запросы пропускаются как есть: им нужен Hijacker исходного writer.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !debugLogging.Load() || headerContains(r.Header, "Upgrade", "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[http] %s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(started).Round(time.Microsecond))
	})
}
