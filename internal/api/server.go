// Package api serves the phone's local HTTP surface: presence queries and
// call control for the touch UI, the identity endpoint peers poll during
// directory discovery, a websocket event stream, and the JWT-guarded admin
// endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/redphone/redphoned/internal/api/middleware"
	"github.com/redphone/redphoned/internal/call"
	"github.com/redphone/redphoned/internal/config"
	"github.com/redphone/redphoned/internal/presence"
	"github.com/redphone/redphoned/internal/quiethours"
)

// CallController is the slice of the call state machine the API drives.
type CallController interface {
	Status() call.Status
	Dial(target presence.Identity) error
	Confirm() error
	Cancel() error
	HandsetLifted()
	HandsetReplaced()
}

// PresenceLister is the slice of the discovery engine the API reads.
type PresenceLister interface {
	List() []presence.Record
	CountByStatus() (online, stale int)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	logger   *slog.Logger
	peers    PresenceLister
	calls    CallController
	settings *config.Store
	hub      *Hub
	metrics  http.Handler
	limiter  *middleware.IPRateLimiter
	nowFunc  func() time.Time
}

// NewServer creates the HTTP handler with all routes mounted. The metrics
// handler may be nil, which unmounts /metrics.
func NewServer(logger *slog.Logger, peers PresenceLister, calls CallController, settings *config.Store, hub *Hub, metrics http.Handler) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger.With("subsystem", "api"),
		peers:    peers,
		calls:    calls,
		settings: settings,
		hub:      hub,
		metrics:  metrics,
		limiter:  middleware.NewIPRateLimiter(middleware.LoginRateLimitConfig(), logger),
		nowFunc:  time.Now,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources held by the server's middleware.
func (s *Server) Close() {
	s.limiter.Stop()
	if s.hub != nil {
		s.hub.Close()
	}
}

// routes configures the middleware stack and mounts all routes.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/phones", s.handlePhones)
		r.Get("/info", s.handleInfo)
		r.Get("/status", s.handleStatus)

		r.Post("/dial", s.handleDial)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/cancel", s.handleCancel)
		r.Post("/answer", s.handleAnswer)
		r.Post("/hangup", s.handleHangup)

		r.Get("/events", s.handleEvents)

		r.Route("/admin", func(r chi.Router) {
			r.With(middleware.RateLimit(s.limiter)).Post("/login", s.handleAdminLogin)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin(s.adminSecret, s.logger))
				r.Get("/config", s.handleAdminGetConfig)
				r.Put("/config", s.handleAdminPutConfig)
			})
		})
	})
}

// adminSecret returns the current JWT signing secret. Fetched per request so
// a settings reload takes effect immediately.
func (s *Server) adminSecret() []byte {
	return []byte(s.settings.Settings().AdminJWTSecret)
}

// handleHealth returns basic liveness plus a peer count. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	online, stale := s.peers.CountByStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"peers_online": online,
		"peers_stale":  stale,
		"call_state":   s.calls.Status().State,
	})
}

// handleEvents upgrades to a websocket and streams call and presence events.
// New subscribers first receive the current call status so they never have
// to poll to catch up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	initial := []EventMessage{
		{Type: "call", Call: s.callStatusView()},
	}
	s.hub.ServeWS(w, r, initial)
}

// BroadcastCallStatus pushes a call state change to event subscribers.
// Wired to the state machine's OnStateChange callback.
func (s *Server) BroadcastCallStatus(st call.Status) {
	s.hub.Broadcast(EventMessage{Type: "call", Call: s.viewFromStatus(st)})
}

// BroadcastPresence pushes a peer registry change to event subscribers.
func (s *Server) BroadcastPresence(identity presence.Identity, kind presence.ChangeKind) {
	s.hub.Broadcast(EventMessage{
		Type:     "presence",
		Presence: &presenceEventView{Identity: string(identity), Kind: string(kind)},
	})
}

// callStatusView builds the API's call status representation, including the
// quiet-hours flag the UI uses to badge the dial screen.
func (s *Server) callStatusView() *callStatusView {
	return s.viewFromStatus(s.calls.Status())
}

func (s *Server) viewFromStatus(st call.Status) *callStatusView {
	return &callStatusView{
		State:          string(st.State),
		Peer:           string(st.Peer),
		PeerName:       st.PeerName,
		ElapsedSeconds: int64(st.Elapsed / time.Second),
		QuietHours:     quiethours.RequiresConfirmation(s.nowFunc(), s.settings.Window()),
	}
}
