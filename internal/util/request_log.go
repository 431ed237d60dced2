package util

import (
	"log/slog"
	"net/http"
	"time"
)

// responseMeter records what a handler wrote.
type responseMeter struct {
	http.ResponseWriter
	code    int
	written int64
}

func (m *responseMeter) WriteHeader(code int) {
	if m.code == 0 {
		m.code = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	if m.code == 0 {
		m.code = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (m *responseMeter) Unwrap() http.ResponseWriter {
	return m.ResponseWriter
}

func (m *responseMeter) status() int {
	if m.code == 0 {
		return http.StatusOK
	}
	return m.code
}

// WithRequestLog writes one entry per request through the request-scoped
// logger. The route is the matched ServeMux pattern when there is one, so
// ids in paths do not blow up log cardinality.
func WithRequestLog(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meter := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(meter, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		level := slog.LevelInfo
		switch code := meter.status(); {
		case code >= http.StatusInternalServerError:
			level = slog.LevelError
		case code >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		LoggerFromContext(r.Context()).LogAttrs(r.Context(), level, "http_request",
			slog.String("service", service),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", meter.status()),
			slog.Int64("bytes", meter.written),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
