// Package api exposes the daemon's HTTP surface: the per-user lab
// lifecycle, the operator endpoints, health, and metrics.
package api

import (
	"net/http"

	"github.com/octolab/octolab/internal/auth"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/metrics"
	"github.com/octolab/octolab/internal/observability"
)

// ServerConfig bundles the dependencies of the HTTP server. Tokens is
// optional; nil leaves the redeem endpoint unregistered.
type ServerConfig struct {
	Labs      LabService
	Admin     RuntimeAdmin
	Users     UserDirectory
	Allowlist *auth.Allowlist
	Tokens    TokenRedeemer
}

// publicPaths skip the identity middleware. The redeem endpoint is called
// by the desktop gateway, which has no user identity; the one-time token
// is its credential.
var publicPaths = []string{"/healthz", "/metrics", "/internal/connect/redeem"}

// NewHandler assembles the routed, middleware-wrapped handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	labHandler := &LabHandler{Labs: cfg.Labs, Admin: cfg.Admin}
	labHandler.RegisterRoutes(mux)

	adminHandler := &AdminHandler{Admin: cfg.Admin}
	adminHandler.RegisterRoutes(mux)

	if cfg.Tokens != nil {
		tokenHandler := &TokenHandler{Tokens: cfg.Tokens}
		tokenHandler.RegisterRoutes(mux)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Global().Handler())

	var handler http.Handler = mux
	handler = identityMiddleware(cfg.Users, cfg.Allowlist, publicPaths)(handler)
	handler = observability.HTTPMiddleware(handler)
	return handler
}

// StartHTTPServer builds the handler and begins serving in the
// background. The caller owns shutdown.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: NewHandler(cfg),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()
	logging.Op().Info("HTTP server listening", "addr", addr)
	return server
}
