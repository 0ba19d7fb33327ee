package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/meshconf/meshconf/internal/api/middleware"
	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/control"
	"github.com/meshconf/meshconf/internal/media"
	"github.com/meshconf/meshconf/internal/registry"
)

// ControlPlane is the slice of the control hub the HTTP layer touches:
// the WebSocket upgrade endpoint and session counters.
type ControlPlane interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Stats() control.HubStats
}

// ConferenceDirectory reads conference state for the ops endpoints.
type ConferenceDirectory interface {
	List() []registry.ConferenceInfo
	Snapshot(conferenceID string) (registry.ConferenceInfo, bool)
	Stats() (conferences, participants int)
}

// RelayStatus reads UDP ingress state for the status endpoint.
type RelayStatus interface {
	Port() int
	Stats() media.RelayStats
}

// CompositeStatus reports how many compositing tasks are running.
type CompositeStatus interface {
	ActiveTasks() int
}

// ModeController flips and reports forced-composite mode.
type ModeController interface {
	ForceComposite(on bool)
	Forced() bool
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	ctrl      ControlPlane
	dir       ConferenceDirectory
	relay     RelayStatus
	tasks     CompositeStatus
	mode      ModeController
	limiter   *middleware.IPRateLimiter
	startTime time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
// metricsHandler serves GET /metrics and may be nil to disable it.
func NewServer(
	cfg *config.Config,
	ctrl ControlPlane,
	dir ConferenceDirectory,
	relay RelayStatus,
	tasks CompositeStatus,
	mode ModeController,
	metricsHandler http.Handler,
) *Server {
	rlCfg := middleware.DefaultRateLimitConfig()
	rlCfg.Rate = rate.Limit(cfg.APIRateLimit)
	rlCfg.Burst = cfg.APIRateBurst

	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		ctrl:      ctrl,
		dir:       dir,
		relay:     relay,
		tasks:     tasks,
		mode:      mode,
		limiter:   middleware.NewIPRateLimiter(rlCfg),
		startTime: time.Now(),
	}

	s.routes(metricsHandler)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's background cleanup.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(metricsHandler http.Handler) {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	// Control WebSocket. The hub takes over the connection on upgrade.
	r.Get("/ws", s.ctrl.ServeWS)

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// Ops API under /api/v1, rate limited per client IP.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		r.Get("/status", s.handleStatus)
		r.Route("/meetings", func(r chi.Router) {
			r.Get("/", s.handleListMeetings)
			r.Get("/{id}", s.handleGetMeeting)
		})
		r.Put("/mode", s.handleSetMode)
	})

	slog.Info("api routes mounted")
}

// handleHealthz returns a bare liveness response.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n")) //nolint:errcheck
}
