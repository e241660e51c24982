package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"app-monitor/internal/config"
	"app-monitor/internal/monitor"
	"app-monitor/internal/monitoring"
)

// Pinger reports database reachability.
type Pinger interface {
	Healthy(ctx context.Context) bool
}

// RunCounter reports e2e runs in progress.
type RunCounter interface {
	ActiveCount() int64
}

// Deps are the collaborators of the HTTP server. Projects and DB may be nil
// when running without a database.
type Deps struct {
	Projects  ProjectStore
	DB        Pinger
	Monitor   Monitor
	Prober    monitoring.Prober
	Processes ProcessLister
	Runs      RunCounter
	Metrics   *monitor.Metrics
}

// Server is the main HTTP server for the monitor API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Deps
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps.Projects, deps.Monitor, deps.Prober, deps.Processes)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all API requests will be rejected")
		}
	}
	if cfg.Security.CronSecret == "" {
		log.Warn().Msg("CRON_SECRET not set, cron endpoints will reject every request")
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	h := s.handlers

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /projects", h.HandleListProjects)
	apiMux.HandleFunc("POST /projects", h.HandleCreateProject)
	apiMux.HandleFunc("GET /projects/{id}", h.HandleGetProject)
	apiMux.HandleFunc("PATCH /projects/{id}", h.HandleUpdateProject)
	apiMux.HandleFunc("DELETE /projects/{id}", h.HandleDeleteProject)
	apiMux.HandleFunc("POST /health-check/web", h.HandleCheckWeb)
	apiMux.HandleFunc("POST /health-check/rest", h.HandleCheckREST)
	apiMux.HandleFunc("POST /health-check/wordpress", h.HandleCheckWordPress)
	apiMux.HandleFunc("POST /e2e/run", h.HandleRunE2E)
	apiMux.HandleFunc("POST /e2e/run/stream", h.HandleRunE2EStream)
	apiMux.HandleFunc("GET /e2e/processes", h.HandleListProcesses)
	apiMux.HandleFunc("GET /history", h.HandleHistory)

	sec := s.cfg.Security
	authedAPI := AuthMiddleware(sec.APIKeyHeader, sec.AllowedKeys, sec.AllowUnauthenticated)(apiMux)
	authedAPI = RateLimitMiddleware(sec.RateLimitRPS, sec.RateLimitBurst)(authedAPI)

	cronMux := http.NewServeMux()
	cronMux.HandleFunc("GET /cron/health-check", h.HandleCronHealthCheck)
	cronMux.HandleFunc("GET /cron/e2e", h.HandleCronE2E)
	cron := CronAuthMiddleware(sec.CronSecret)(cronMux)
	cron = PerMinuteRateLimitMiddleware(sec.CronRateLimit)(cron)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.deps.Metrics != nil {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/cron/", cron)
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	if s.deps.Metrics != nil {
		handler = MetricsMiddleware(s.deps.Metrics)(handler)
	}
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.DB == nil || s.deps.DB.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Runs != nil {
		resp.ActiveRuns = s.deps.Runs.ActiveCount()
	}
	if s.deps.Processes != nil {
		resp.Processes = s.deps.Processes.Len()
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
