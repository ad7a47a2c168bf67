// Package middleware provides the standard http.Handler-wrapping chain
// applied to every HTTP surface the proxy exposes (proxy listener and
// dashboard mux alike): panic recovery, request logging, and CORS,
// grounded on the framework's core/middleware.go and the
// "Recovery -> Logging -> User -> CORS" ordering from core/agent.go's
// wireMiddleware.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/marklubin/doublebufferproxy/internal/logger"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// actually written, so LoggingMiddleware can report it.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush forwards to the underlying ResponseWriter's Flusher, needed for
// SSE streaming responses (spec.md §4.6).
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Recovery recovers from a panic anywhere in the wrapped handler chain,
// logs it with a stack trace, and responds 500 instead of crashing the
// process. It covers HTTP handlers only; background goroutines are not
// wrapped by it.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("http handler panic recovered", map[string]interface{}{
						"panic":  err,
						"path":   r.URL.Path,
						"method": r.Method,
						"stack":  string(debug.Stack()),
					})
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs each request's method, path, status, and duration. Always
// logs in devMode; otherwise only logs errors (>=400) and slow requests
// (>1s), matching core/middleware.go's LoggingMiddleware.
func Logging(log logger.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := devMode || wrapped.statusCode >= 400 || duration > time.Second
			if !shouldLog {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			switch {
			case wrapped.statusCode >= 500:
				log.Error("http request error", fields)
			case wrapped.statusCode >= 400:
				log.Warn("http request client error", fields)
			case duration > time.Second:
				log.Warn("http request slow", fields)
			default:
				log.Info("http request", fields)
			}
		})
	}
}

// CORSConfig controls CORSMiddleware's allowed origins.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
}

// CORS applies permissive-by-default CORS headers and short-circuits
// preflight OPTIONS requests, matching core/middleware.go's
// CORSMiddleware shape.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigin(cfg.AllowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-Id")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Chain wraps h with middleware in "Recovery -> Logging -> CORS" order
// (outermost last), matching core/agent.go's wireMiddleware comment:
// CORS handles preflight first, then logging wraps the full lifecycle,
// then recovery is innermost so it catches panics from the handler.
func Chain(h http.Handler, log logger.Logger, devMode bool, cors CORSConfig) http.Handler {
	h = Recovery(log)(h)
	h = Logging(log, devMode)(h)
	h = CORS(cors)(h)
	return h
}
