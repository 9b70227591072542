package api

import (
	"context"
	"crypto/tls"
	stdlog "log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/config"
	"plugin-warden/internal/manager"
	"plugin-warden/internal/storage"
)

// Server is the HTTP front end for the plugin lifecycle API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer wires routes and middleware. Health and metrics stay open;
// everything else sits behind the API key check.
func NewServer(cfg *config.Config, mgr *manager.Manager, db *storage.DB) *Server {
	handlers := NewHandlers(mgr, db)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, authentication is disabled")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /plugins", handlers.HandleSubmitPlugin)
	apiMux.HandleFunc("GET /plugins", handlers.HandleListPlugins)
	apiMux.HandleFunc("GET /plugins/{name}/{version}", handlers.HandleGetPlugin)
	apiMux.HandleFunc("POST /plugins/{name}/{version}/approve", handlers.HandleApprove)
	apiMux.HandleFunc("POST /plugins/{name}/{version}/reject", handlers.HandleReject)
	apiMux.HandleFunc("POST /plugins/{name}/{version}/suspend", handlers.HandleSuspend)
	apiMux.HandleFunc("POST /plugins/{name}/{version}/blacklist", handlers.HandleBlacklist)
	apiMux.HandleFunc("POST /plugins/{name}/{version}/execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /plugins/{name}/{version}/execute/stream", handlers.HandleExecuteStream)
	apiMux.HandleFunc("POST /validate", handlers.HandleValidate)
	apiMux.HandleFunc("GET /monitor/processes", handlers.HandleListProcesses)
	apiMux.HandleFunc("POST /monitor/processes/{pid}/kill", handlers.HandleKillProcess)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(mgr, db))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path,
			promhttp.HandlerFor(mgr.Metrics().Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(mgr.Metrics())(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware("/health", cfg.Metrics.Path)(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	// The net/http internals log handshake failures and port scans
	// through ErrorLog. Routing that through zerolog keeps the output
	// structured instead of raw lines on stderr.
	errLog := log.With().Str("component", "http").Logger()

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    64 << 10,
		ErrorLog:          stdlog.New(errLog, "", 0),
	}

	return s
}

// Handler exposes the fully wired middleware chain, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(mgr *manager.Manager, db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Backends: mgr.Backends(),
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
