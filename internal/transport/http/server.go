// Package http provides the producer/ops HTTP surface for worldsync.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET  /health        — node identity, uptime, seq, connection counts
//	GET  /world         — current model snapshot
//	PUT  /world         — replace the entire model (projection producer push)
//	POST /world/events  — inject delta events (external notifier)
//	POST /session       — set the process-wide session signal
//	GET  /ws            — WebSocket subscription endpoint
//
// Prometheus exposition is served by a separate listener (see cmd/server) so
// scraping is never subject to the producer API's auth or rate limits.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/meshviz/worldsync/internal/config"
	"github.com/meshviz/worldsync/internal/metrics"
	"github.com/meshviz/worldsync/internal/node"
	"github.com/meshviz/worldsync/internal/registry"
	"github.com/meshviz/worldsync/internal/storage"
	"github.com/meshviz/worldsync/internal/store"
)

// Server wraps the stdlib HTTP server with worldsync route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. ws is mounted at GET /ws; db may be nil to disable
// persistence; reg may be nil to disable request metrics.
func New(hub *registry.Hub, world *store.Store, db *storage.Store, n *node.Node, ws http.Handler, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{hub: hub, world: world, db: db, node: n, start: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /world", h.getWorld)
	mux.HandleFunc("PUT /world", h.putWorld)
	mux.HandleFunc("POST /world/events", h.postEvents)
	mux.HandleFunc("POST /session", h.postSession)
	mux.Handle("GET /ws", ws)

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.Limits.HTTPRPS, cfg.Limits.HTTPBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: /ws connections are long-lived.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
