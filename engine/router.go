package engine

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Authenticator guards handlers registered through the router. NewRouter
// installs a pass-through implementation, and nothing in this repository
// replaces it.
type Authenticator interface {
	WithAuthn(http.HandlerFunc) http.HandlerFunc
}

type noopAuthenticator struct{}

func (noopAuthenticator) WithAuthn(fn http.HandlerFunc) http.HandlerFunc { return fn }

type Router struct {
	router *http.ServeMux

	// Authenticator can be used to pass an authenticator implementation to other handlers.
	Authenticator
}

// NewRouter builds a router. notFound, if non-nil, handles any path with no
// registered handler; otherwise the stdlib ServeMux default (404) applies.
func NewRouter(notFound http.Handler) *Router {
	mux := http.NewServeMux()
	if notFound != nil {
		mux.Handle("/", notFound)
	}
	return &Router{router: mux, Authenticator: noopAuthenticator{}}
}

// Serve wires up the stdlib http server to the engine.
func (r *Router) Serve(addr string) Proc {
	return func(ctx context.Context) error {
		svr := &http.Server{Handler: r, Addr: addr}
		go func() {
			<-ctx.Done()
			slog.Warn("gracefully shutting down http server...")
			svr.Shutdown(context.Background())
		}()
		if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		slog.Info("the http server has shut down")
		return nil
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, rr *http.Request) { r.router.ServeHTTP(w, rr) }

func (r *Router) HandleFunc(route string, fn http.HandlerFunc) {
	r.router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWrapper{ResponseWriter: w, status: 200}
		fn(ww, r)
		slog.Info("http request", "url", r.URL.Path, "method", r.Method, "userAgent", r.UserAgent(), "latencyMS", time.Since(start).Milliseconds(), "status", ww.status)
	})
}

// WriteJSONError writes the engine's wire-level error shape. Domain-specific
// error taxonomies (see internal/apperr) translate into their own richer
// shape at the API boundary; this covers router-level failures like
// unmatched routes.
func WriteJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":"` + jsonEscape(code) + `","message":"` + jsonEscape(message) + `"}}`))
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (w *responseWrapper) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush implements http.Flusher to support streaming responses (e.g., MJPEG, SSE).
func (w *responseWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades work through the
// logging wrapper.
func (w *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *responseWrapper) Unwrap() http.ResponseWriter { return w.ResponseWriter }
