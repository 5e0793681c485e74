// Package server assembles mahoraga's HTTP mux, wraps it with the
// access-log/CORS/panic-recovery middleware chain, and drives graceful
// shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hingebase/mahoraga-go/internal/config"
	"github.com/hingebase/mahoraga-go/internal/core/ledger"
	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
	"github.com/hingebase/mahoraga-go/internal/logger"
	"github.com/hingebase/mahoraga-go/internal/routes/conda"
	"github.com/hingebase/mahoraga-go/internal/routes/jsdelivr"
	"github.com/hingebase/mahoraga-go/internal/routes/proxy"
	"github.com/hingebase/mahoraga-go/internal/routes/python"
	"github.com/hingebase/mahoraga-go/internal/routes/static"
	"github.com/hingebase/mahoraga-go/internal/version"
)

// Server owns the http.Server and every route collaborator it was built
// with.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	http   *http.Server
}

// New assembles the full route tree against the given singletons and
// returns a Server ready for Run. styled carries the mirror/cache event
// logging the route adapters and engine emit; it may be nil.
func New(cfg *config.Config, client *upstream.Client, l *ledger.Ledger, locks *lockregistry.Registry, log *slog.Logger, styled *logger.StyledLogger) *Server {
	engine := streamengine.New(client, l, styled)

	mux := http.NewServeMux()

	mux.Handle("/conda/", conda.New(engine, locks, cfg.CacheDir, styled, func(channel string) []string {
		return config.Resolve(cfg.Upstream.Conda.WithoutLabel, channel, cfg.Upstream.Conda.Default)
	}))

	mux.Handle("/pypi/", &proxy.Handler{
		Engine:      engine,
		Mirrors:     cfg.Upstream.PyPI.All(),
		StripPrefix: "/pypi/",
	})

	mux.Handle("/uv/", &proxy.Handler{
		Engine:      engine,
		Mirrors:     cfg.Upstream.UV,
		StripPrefix: "/uv/",
	})

	mux.Handle("/pyodide/", &proxy.Handler{
		Engine:      engine,
		Mirrors:     cfg.Upstream.Pyodide,
		StripPrefix: "/pyodide/",
	})

	mux.Handle("/npm/", &jsdelivr.Handler{
		Engine:         engine,
		Locks:          locks,
		PyodideMirrors: cfg.Upstream.Pyodide,
		CacheDir:       cfg.CacheDir,
		Scopes:         cfg.Upstream.NPMScopes,
		Log:            styled,
	})

	pythonHandler := &python.Handler{
		Engine:            engine,
		Locks:             locks,
		PythonMirrors:     cfg.Upstream.Python,
		StandaloneMirrors: cfg.Upstream.PythonBuildStandalone,
		CacheDir:          cfg.CacheDir,
		Log:               styled,
	}
	mux.HandleFunc("GET /python/{version}/{name}", func(w http.ResponseWriter, r *http.Request) {
		pythonHandler.ServeEmbedded(w, r, r.PathValue("version"), r.PathValue("name"))
	})
	mux.HandleFunc("GET /python-build-standalone/{tag}/{name}", func(w http.ResponseWriter, r *http.Request) {
		pythonHandler.ServeStandalone(w, r, r.PathValue("tag"), r.PathValue("name"))
	})

	mux.Handle("/static/", http.StripPrefix("/static/", static.Handler()))

	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("GET /version", versionHandler)

	var handler http.Handler = mux
	handler = Recover(log)(handler)
	handler = CORS(cfg.CORS)(handler)
	handler = AccessLog(log, cfg.Log.Access)(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		cfg:    cfg,
		logger: log,
		http: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  upstream.DefaultReadTimeout,
			WriteTimeout: 0, // streamed artifact bodies can run far longer than any fixed write deadline
			IdleTimeout:  cfg.Server.KeepAlive,
		},
	}
}

// Run starts listening and blocks until ctx is cancelled, then drains
// in-flight requests for up to cfg.Server.ShutdownTimeout before returning.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":    version.Name,
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
	})
}
