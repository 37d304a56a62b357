// Package server exposes the escrow service over HTTP. Handlers translate
// between the wire format and the domain packages; every rejection carries a
// stable code and a one-line reason.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"agora/abuse"
	"agora/escrow"
	"agora/guard"
	"agora/orchestrator"
	"agora/reputation"
	"agora/sweeper"
	"agora/vault"
)

// Server bundles the domain services behind the HTTP API.
type Server struct {
	db         *gorm.DB
	engine     *escrow.Engine
	orch       *orchestrator.Orchestrator
	vault      *vault.Gateway
	reputation *reputation.Engine
	sweeper    *sweeper.Sweeper
	detector   *abuse.Detector
	auditor    *abuse.Auditor
	limiter    *guard.RateLimiter
	log        *slog.Logger
	opsSecret  string
	jwtSecret  string
}

// Options wires the server's collaborators.
type Options struct {
	DB         *gorm.DB
	Engine     *escrow.Engine
	Orch       *orchestrator.Orchestrator
	Vault      *vault.Gateway
	Reputation *reputation.Engine
	Sweeper    *sweeper.Sweeper
	Detector   *abuse.Detector
	Auditor    *abuse.Auditor
	Limiter    *guard.RateLimiter
	Logger     *slog.Logger
	OpsSecret  string
	JWTSecret  string
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = guard.NewRateLimiter(guard.NewMemoryStore(), nil)
	}
	return &Server{
		db:         opts.DB,
		engine:     opts.Engine,
		orch:       opts.Orch,
		vault:      opts.Vault,
		reputation: opts.Reputation,
		sweeper:    opts.Sweeper,
		detector:   opts.Detector,
		auditor:    opts.Auditor,
		limiter:    limiter,
		log:        logger,
		opsSecret:  opts.OpsSecret,
		jwtSecret:  opts.JWTSecret,
	}
}

// Router assembles the full route tree with middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withRequestMetrics)
	r.Use(s.withAgentAuth)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/escrow", func(r chi.Router) {
		r.With(s.withRateLimit("escrow_create"), withIdempotency(s.db)).
			Post("/create", s.handleEscrowCreate)
		r.With(s.withRateLimit("read")).Get("/", s.handleEscrowList)
		r.Route("/{id}", func(r chi.Router) {
			r.With(s.withRateLimit("read")).Get("/", s.handleEscrowGet)
			action := r.With(s.withRateLimit("escrow_action"), withIdempotency(s.db))
			action.Post("/lock", s.handleEscrowLock)
			action.Post("/confirm", s.handleEscrowConfirm)
			action.Post("/release", s.handleEscrowRelease)
			action.Post("/refund", s.handleEscrowRefund)
			action.Post("/dispute", s.handleEscrowDispute)
		})
	})

	r.Route("/vault", func(r chi.Router) {
		r.With(s.withRateLimit("consent"), withIdempotency(s.db)).
			Post("/consent/request", s.handleConsentRequest)
		r.With(s.withRateLimit("consent"), withIdempotency(s.db)).
			Post("/consent/respond", s.handleConsentRespond)
		r.With(s.withRateLimit("read")).Get("/consent/{id}", s.handleConsentGet)
		r.With(s.withRateLimit("read")).Get("/access-log", s.handleAccessLog)
		r.With(s.withRateLimit("consent"), withIdempotency(s.db)).
			Post("/store", s.handleVaultStore)
	})

	r.Route("/orchestrate", func(r chi.Router) {
		r.With(s.withRateLimit("search")).Post("/search", s.handleSearch)
		r.With(s.withRateLimit("escrow_create"), withIdempotency(s.db)).
			Post("/book", s.handleBook)
		r.With(s.withRateLimit("escrow_action"), withIdempotency(s.db)).
			Post("/deliver", s.handleDeliver)
		r.With(s.withRateLimit("escrow_action"), withIdempotency(s.db)).
			Post("/release", s.handleOrchestratedRelease)
	})

	r.With(s.withRateLimit("review"), withIdempotency(s.db)).
		Post("/reviews", s.handleReviewSubmit)
	r.With(s.withRateLimit("read")).Get("/reputation/leaderboard", s.handleLeaderboard)
	r.With(s.withRateLimit("read")).Get("/reputation/{agent}", s.handleReputationGet)

	r.Route("/ops", func(r chi.Router) {
		r.Use(s.requireOps)
		r.Post("/sweep", s.handleSweep)
		r.Get("/abuse/flags", s.handleAbuseFlags)
		r.Get("/audit", s.handleAuditLog)
	})

	return otelhttp.NewHandler(r, "agora.http")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
