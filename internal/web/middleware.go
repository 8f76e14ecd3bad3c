package web

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/pilot/internal/observability"
)

// RequestLogger logs every request and records duration metrics.
func RequestLogger(logger *observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			if logger != nil {
				logger.Debug(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"duration", elapsed,
					"remote_addr", r.RemoteAddr,
				)
			}
			if metrics != nil {
				metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(wrapped.status), elapsed.Seconds())
			}
		})
	}
}

// routeLabel collapses path ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	switch parts[0] {
	case "tasks":
		if len(parts) == 1 || parts[1] == "execute" {
			return path
		}
		if len(parts) >= 3 {
			return "/tasks/{id}/" + parts[2]
		}
		return "/tasks/{id}"
	case "sessions":
		if len(parts) >= 2 {
			return "/sessions/{id}"
		}
	case "browser":
		if len(parts) >= 3 {
			return "/browser/{id}/" + parts[2]
		}
		if len(parts) == 2 {
			return "/browser/{id}"
		}
	case "dashboard":
		if len(parts) >= 3 {
			return "/dashboard/" + parts[1] + "/{id}"
		}
	}
	return path
}

// responseWriter wraps http.ResponseWriter to capture status code. Flush and
// Hijack pass through so SSE streams and websocket upgrades work behind the
// wrapper.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
