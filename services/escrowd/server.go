// Package escrowd exposes the milestone escrow engines over an authenticated
// HTTP API and a websocket event stream.
package escrowd

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"givechain/core/events"
	"givechain/native/escrow"
	"givechain/native/fraud"
	"givechain/native/ledger"
	"givechain/native/quorum"
	"givechain/native/refund"
	"givechain/native/registry"
	"givechain/native/transparency"
	"givechain/services/escrowd/config"
)

// Deps are the collaborators the API drives.
type Deps struct {
	Store    ledger.Store
	Escrow   *escrow.Engine
	Quorum   *quorum.Protocol
	Fraud    *fraud.Controller
	Refunds  *refund.Coordinator
	Registry *registry.Registry
	Reporter *transparency.Reporter
	Events   *events.Broadcaster
	Logger   *slog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("escrowd: store required")
	case d.Escrow == nil:
		return errors.New("escrowd: escrow engine required")
	case d.Quorum == nil:
		return errors.New("escrowd: quorum protocol required")
	case d.Fraud == nil:
		return errors.New("escrowd: fraud controller required")
	case d.Refunds == nil:
		return errors.New("escrowd: refund coordinator required")
	case d.Registry == nil:
		return errors.New("escrowd: ngo registry required")
	case d.Reporter == nil:
		return errors.New("escrowd: transparency reporter required")
	case d.Events == nil:
		return errors.New("escrowd: event broadcaster required")
	}
	return nil
}

type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *slog.Logger
	auth    *Authenticator
	limiter *RateLimiter
	router  chi.Router
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimit, logger),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler, traced with otelhttp when enabled.
func (s *Server) Handler() http.Handler {
	if s.cfg.Observability.Tracing {
		return otelhttp.NewHandler(s.router, s.cfg.Observability.ServiceName)
	}
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe(s.logger, s.cfg.Observability.LogRequests))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Observability.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)
		v1.Use(s.auth.Middleware)

		v1.Get("/transparency", s.handleTransparency)

		authed := v1.With(RequireRole())
		authed.Get("/events", s.handleEvents)
		authed.Get("/milestones", s.handleListMilestones)
		authed.Get("/milestones/{id}", s.handleGetMilestone)
		authed.Get("/milestones/{id}/audit", s.handleAuditTrail)
		authed.Get("/alerts", s.handleListAlerts)
		authed.Get("/donors/{address}/refundable", s.handleRefundable)
		authed.Get("/donors/{address}/portfolio", s.handlePortfolio)
		authed.Get("/ngos", s.handleListNGOs)
		authed.Get("/ngos/{address}", s.handleGetNGO)
		authed.Get("/expenses", s.handleListExpenses)

		v1.With(RequireRole(RoleNGO)).Post("/milestones", s.handleCreateMilestone)
		v1.With(RequireRole(RoleNGO)).Post("/milestones/{id}/proof", s.handleSubmitProof)
		v1.With(RequireRole(RoleDonor)).Post("/milestones/{id}/donations", s.handleRecordDonation)
		v1.With(RequireRole(RoleValidator)).Post("/milestones/{id}/votes", s.handleCastVote)
		v1.With(RequireRole(RoleAdmin)).Post("/milestones/{id}/expire", s.handleExpire)
		v1.With(RequireRole(RoleAdmin, RoleValidator)).Post("/milestones/{id}/freeze", s.handleFreeze)
		v1.With(RequireRole(RoleAdmin)).Post("/milestones/{id}/unfreeze", s.handleUnfreeze)
		v1.With(RequireRole(RoleAdmin)).Post("/milestones/{id}/settle-refunds", s.handleSettleRefunds)

		v1.With(RequireRole(RoleValidator, RoleAdmin)).Post("/alerts", s.handleRaiseAlert)
		v1.With(RequireRole(RoleAdmin)).Post("/alerts/{id}/freeze-ngo", s.handleFreezeNGO)
		v1.With(RequireRole(RoleValidator, RoleAdmin)).Post("/alerts/{id}/dismiss", s.handleDismissAlert)
		v1.With(RequireRole(RoleValidator, RoleAdmin)).Post("/alerts/{id}/resolve", s.handleResolveAlert)

		v1.With(RequireRole(RoleDonor)).Post("/donations/{id}/withdraw", s.handleWithdraw)

		v1.With(RequireRole(RoleNGO)).Post("/ngos", s.handleRegisterNGO)
		v1.With(RequireRole(RoleAdmin)).Post("/ngos/{address}/verify", s.handleVerifyNGO)
		v1.With(RequireRole(RoleNGO)).Post("/milestones/{id}/expenses", s.handleSubmitExpense)
		v1.With(RequireRole(RoleValidator)).Post("/expenses/{id}/review", s.handleReviewExpense)

		v1.With(RequireRole(RoleAdmin)).Get("/exports/donations", s.handleExportDonations)
	})
	return r
}

// fail writes the mapped error response. Internal failures are logged and
// their detail withheld from the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("route", r.URL.Path),
			slog.String("reason", code),
			slog.Any("error", err),
		)
		message = http.StatusText(status)
	}
	writeError(w, status, code, message)
}
