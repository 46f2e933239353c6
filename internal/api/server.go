// Package api serves the HTTP interface the device uses to instruct the
// bridge and to follow what it reports.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callbridge/internal/api/middleware"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/session"
	"github.com/flowpbx/callbridge/internal/surface"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// DefaultInstructionTimeout bounds how long a request waits for the bridge
// to acknowledge an instruction.
const DefaultInstructionTimeout = 5 * time.Second

// Calls is the call control side of the bridge. *bridge.Bridge implements it.
type Calls interface {
	Snapshot(ctx context.Context) ([]session.Record, error)
	Dial(ctx context.Context, destination string, verification bool) (session.Token, error)
	AnnounceIncoming(ctx context.Context, callID, handle string, video, silent bool) (session.Token, error)

	StartCall(token session.Token, act bridge.Action)
	Answer(token session.Token, act bridge.Action)
	EndCall(token session.Token, act bridge.Action)
	SetHeld(token session.Token, onHold bool, act bridge.Action)
	SetMuted(token session.Token, muted bool, act bridge.Action)
	PlayDigits(token session.Token, digits string, act bridge.Action)
	Group(token, with session.Token, act bridge.Action)
	TimedOut(token session.Token, act bridge.Action)
	SetAudioSession(active bool)
	Reset()
}

// Device is the device facing side of the native surface.
// *surface.Surface implements it.
type Device interface {
	Feed() *surface.Feed
	Settings() surface.Settings
	ApplySettings(in surface.Settings)
}

var (
	_ Calls  = (*bridge.Bridge)(nil)
	_ Device = (*surface.Surface)(nil)
)

// Config holds the API credentials and tunables.
type Config struct {
	// JWTSecret signs device tokens.
	JWTSecret []byte
	// AppUsername and AppPasswordHash (argon2id) are the device login.
	AppUsername     string
	AppPasswordHash string
	// LicenseKey lets the push gateway announce calls without a device token.
	LicenseKey string

	InstructionTimeout time.Duration

	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	cfg         Config
	calls       Calls
	device      Device
	history     database.CallLogRepository
	tokens      database.PushTokenRepository
	authLimiter *middleware.RateLimiter
	apiLimiter  *middleware.RateLimiter
	logger      *slog.Logger
	now         func() time.Time
}

// NewServer creates the HTTP handler with all routes mounted. history and
// tokens may be nil, which disables the endpoints that need them.
func NewServer(cfg Config, calls Calls, device Device, history database.CallLogRepository, tokens database.PushTokenRepository, logger *slog.Logger) *Server {
	if cfg.InstructionTimeout <= 0 {
		cfg.InstructionTimeout = DefaultInstructionTimeout
	}
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		calls:       calls,
		device:      device,
		history:     history,
		tokens:      tokens,
		authLimiter: middleware.NewRateLimiter(middleware.AuthRateLimitConfig()),
		apiLimiter:  middleware.NewRateLimiter(middleware.InstructionRateLimitConfig()),
		logger:      logger.With("subsystem", "api"),
		now:         time.Now,
	}

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.authLimiter.Stop()
	s.apiLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)

	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.authLimiter)).Post("/auth", s.handleAuth)

		// The push gateway announces calls ahead of the INVITE with the
		// license key; the device may use its token.
		r.With(
			middleware.RequireLicenseOrDevice(s.cfg.LicenseKey, s.cfg.JWTSecret),
			middleware.RateLimit(s.apiLimiter),
		).Post("/calls/announce", s.handleAnnounce)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireDeviceAuth(s.cfg.JWTSecret))
			r.Use(middleware.RateLimit(s.apiLimiter))

			r.Get("/calls", s.handleListCalls)
			r.Post("/calls", s.handleDial)
			r.Get("/calls/history", s.handleHistory)

			r.Route("/calls/{token}", func(r chi.Router) {
				r.Post("/start", s.handleStart)
				r.Post("/answer", s.handleAnswer)
				r.Post("/end", s.handleEnd)
				r.Post("/hold", s.handleHold)
				r.Post("/mute", s.handleMute)
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/group", s.handleGroup)
				r.Post("/timeout", s.handleTimeout)
			})

			r.Post("/audio-session", s.handleAudioSession)
			r.Post("/reset", s.handleReset)

			r.Get("/events", s.handleEvents)

			r.Post("/device/push-token", s.handlePushToken)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handlePutSettings)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
