package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/observability/logging"
	"qrloyalty/services/qr-loyalty/ledger"
	qrmw "qrloyalty/services/qr-loyalty/middleware"
	"qrloyalty/services/qr-loyalty/provisioning"
	"qrloyalty/services/qr-loyalty/scan"
	"qrloyalty/services/qr-loyalty/templates"
)

const maxBodyBytes = 1 << 20

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Tiers     *ledger.TierStore
	Templates *templates.Store
	Rewards   *provisioning.Engine
	Pipeline  *scan.Pipeline
	Codes     *scan.Codes
	// Identity verifies storefront customer tokens on scans. Nil credits
	// every scan to the anonymous fingerprint.
	Identity  *scan.IdentityResolver

	Auth          *qrmw.Authenticator
	Observability *qrmw.Observability
	RateLimiter   *qrmw.RateLimiter
	// ScanOrigins limits which storefront origins may call the scan
	// endpoints from a browser. Empty allows any origin.
	ScanOrigins []string
	// Tracing wraps the router with otelhttp so inbound trace context is
	// extracted.
	Tracing bool
	Logger  *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	tiers     *ledger.TierStore
	templates *templates.Store
	rewards   *provisioning.Engine
	pipeline  *scan.Pipeline
	codes     *scan.Codes
	identity  *scan.IdentityResolver
	logger    *slog.Logger

	router http.Handler
}

// New constructs the HTTP router: public scan endpoints, health and metrics,
// and the authenticated merchant admin API.
func New(cfg Config) *Server {
	srv := &Server{
		db:        cfg.DB,
		ledger:    cfg.Ledger,
		tiers:     cfg.Tiers,
		templates: cfg.Templates,
		rewards:   cfg.Rewards,
		pipeline:  cfg.Pipeline,
		codes:     cfg.Codes,
		identity:  cfg.Identity,
		logger:    logging.Component(cfg.Logger, "http"),
	}
	if cfg.Auth == nil {
		cfg.Auth = qrmw.NewAuthenticator(qrmw.AuthConfig{Enabled: false}, srv.logger)
	}
	if cfg.Observability == nil {
		cfg.Observability = qrmw.NewObservability(qrmw.ObservabilityConfig{}, srv.logger)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = qrmw.NewRateLimiter(nil, srv.logger)
	}
	var handler http.Handler = srv.buildRouter(cfg)
	if cfg.Tracing {
		handler = otelhttp.NewHandler(handler, "qr-loyalty")
	}
	srv.router = handler
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cfg.Observability.Middleware)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", cfg.Observability.MetricsHandler())

	r.Group(func(pub chi.Router) {
		pub.Use(qrmw.CORS(qrmw.CORSConfig{AllowedOrigins: cfg.ScanOrigins}))
		pub.Use(cfg.RateLimiter.Middleware("scan"))
		pub.Get("/scan/{id}", s.ScanRedirect)
		pub.Post("/scan/{id}", s.ScanEvent)
		pub.Options("/scan/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Route("/api/v1/merchants/{merchantID}", func(api chi.Router) {
		api.Use(cfg.Auth.Middleware)
		api.Use(qrmw.WithIdempotency(s.db, s.logger))

		api.Get("/customers/{customerID}/balance", s.GetBalance)
		api.Post("/customers/{customerID}/points", s.AwardPoints)
		api.Post("/customers/{customerID}/points/redeem", s.RedeemPoints)
		api.Get("/customers/{customerID}/rewards", s.GetRewards)
		api.Post("/discounts/{code}/use", s.UseDiscount)

		api.Get("/tiers", s.GetTiers)
		api.Put("/tiers", s.ReplaceTiers)

		api.Get("/templates", s.ListTemplates)
		api.Post("/templates", s.CreateTemplate)
		api.Get("/templates/{templateID}", s.GetTemplate)
		api.Patch("/templates/{templateID}", s.UpdateTemplate)
		api.Delete("/templates/{templateID}", s.DeleteTemplate)

		api.Post("/qr-codes", s.CreateQRCode)
		api.Get("/qr-codes/{qrID}", s.GetQRCode)
	})

	return r
}

// Health reports whether the database answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", slog.String("error", err.Error()))
	}
}

type errorBody struct {
	Error  string               `json:"error"`
	Fields []loyalty.FieldError `json:"fields,omitempty"`
}

// writeError maps domain errors onto HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *loyalty.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid input", Fields: verr.Fields})
	case errors.Is(err, loyalty.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, loyalty.ErrExpired):
		s.writeJSON(w, http.StatusGone, errorBody{Error: "expired"})
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: "insufficient points"})
	case errors.Is(err, loyalty.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	case errors.Is(err, loyalty.ErrUnknownRewardType):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unknown reward type"})
	case errors.Is(err, loyalty.ErrUnauthorized):
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, provisioning.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
	default:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decode reads a JSON body into dst. Empty bodies leave dst untouched when
// allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
