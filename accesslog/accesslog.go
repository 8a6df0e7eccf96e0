// Package accesslog logs every HTTP request with method, path, status,
// response size and duration, and recovers panics from handlers.
package accesslog

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

func New(log *slog.Logger, next http.Handler) *AccessLog {
	return &AccessLog{
		log:  log,
		next: next,
	}
}

type AccessLog struct {
	log  *slog.Logger
	next http.Handler
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status        int
	size          int
	headerWritten bool
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if lrw.headerWritten {
		return
	}
	lrw.status = code
	lrw.headerWritten = true
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

func (a *AccessLog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	msg := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

	lrw := &loggingResponseWriter{
		ResponseWriter: w,
	}

	defer func() {
		dur := time.Since(start).Milliseconds()
		if rec := recover(); rec != nil {
			a.log.Error(msg, slog.Any("panic", rec), slog.Int("status", http.StatusInternalServerError), slog.Int64("ms", dur))
			if !lrw.headerWritten {
				http.Error(lrw, "internal server error", http.StatusInternalServerError)
			}
			return
		}
		a.log.Info(msg, slog.Int("status", lrw.status), slog.Int("size", lrw.size), slog.Int64("ms", dur))
	}()

	a.next.ServeHTTP(lrw, r)
}
