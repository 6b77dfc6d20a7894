package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/gateway"
	"github.com/platinummonkey/settle/pkg/httputil"
	"github.com/platinummonkey/settle/pkg/middleware"
	"github.com/platinummonkey/settle/pkg/observability"
)

// DefaultWebhookBodyLimit caps an inbound gateway notification
const DefaultWebhookBodyLimit = 1 << 20

// PlanService runs the write side of billing: quotes, plan changes and top-ups
type PlanService interface {
	Preview(ctx context.Context, tenantID int64, targetPlanCode string) (*billing.PlanChangeQuote, error)
	Execute(ctx context.Context, tenantID int64, targetPlanCode string) (*billing.PlanChangeOutcome, error)
	Topup(ctx context.Context, tenantID int64, amount decimal.Decimal) (*billing.TopupOutcome, error)
}

// Settler handles one inbound gateway notification
type Settler interface {
	HandleEvent(ctx context.Context, d billing.Delivery) (billing.SettlementResult, error)
}

// Ledger is the read side of billing.Store used by the query endpoints
type Ledger interface {
	ListPlans(ctx context.Context) ([]*billing.Plan, error)
	GetSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error)
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	ListInvoices(ctx context.Context, tenantID int64, limit int) ([]*billing.Invoice, error)
	WalletBalance(ctx context.Context, tenantID int64) (decimal.Decimal, error)
	ListWalletTransactions(ctx context.Context, tenantID int64, limit int) ([]*billing.WalletTransaction, error)
}

// Config wires the API server
type Config struct {
	Plans    PlanService
	Settler  Settler
	Ledger   Ledger
	Verifier middleware.TokenVerifier
	// Limiter throttles webhook deliveries per source IP; nil disables it
	Limiter middleware.Limiter
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// RetryOnTransient answers 503 for infrastructure failures after the
	// event was recorded, so the gateway redelivers
	RetryOnTransient bool
	// MaxBodyBytes bounds JSON request bodies on the management API
	MaxBodyBytes int64
	// WebhookBodyLimit bounds notification bodies; 0 uses DefaultWebhookBodyLimit
	WebhookBodyLimit int64
	// SignatureHeaders maps a gateway name to the header carrying its
	// signature; nil uses the built-in gateways' headers
	SignatureHeaders map[string]string
}

// Server is the settle HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
	cfg     Config
	audit   *auth.AuditLogger
}

// NewServer creates the API server and registers every route
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.WebhookBodyLimit <= 0 {
		cfg.WebhookBodyLimit = DefaultWebhookBodyLimit
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.SignatureHeaders == nil {
		cfg.SignatureHeaders = map[string]string{
			gateway.CallbackName: gateway.CallbackSignatureHeader,
			gateway.StripeName:   gateway.StripeSignatureHeader,
		}
	}

	s := &Server{
		router: mux.NewRouter(),
		cfg:    cfg,
		audit:  auth.NewAuditLogger(),
	}
	s.setupRoutes()

	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggerMiddleware(cfg.Logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.cfg.Metrics, routeTemplate))
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/plans", s.listPlans).Methods(http.MethodGet)

	// Gateways authenticate with signatures, not bearer tokens
	webhooks := v1.PathPrefix("/webhooks").Subrouter()
	if s.cfg.Limiter != nil {
		webhooks.Use(middleware.RateLimit(s.cfg.Limiter, middleware.ClientIPKey, s.cfg.Metrics))
	}
	webhooks.HandleFunc("/{gateway}", s.handleWebhook).Methods(http.MethodPost)

	orgs := v1.PathPrefix("/orgs/{id:[0-9]+}").Subrouter()
	orgs.Use(middleware.Authenticate(s.cfg.Verifier, s.audit))

	read := middleware.RequireCapability(auth.CapabilityRead, "id", s.audit)
	manage := httputil.Chain(
		middleware.RequireCapability(auth.CapabilityManage, "id", s.audit),
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes),
	)

	orgs.Handle("/plan-change/preview", read(http.HandlerFunc(s.previewPlanChange))).Methods(http.MethodGet)
	orgs.Handle("/plan-change", manage(http.HandlerFunc(s.executePlanChange))).Methods(http.MethodPost)
	orgs.Handle("/wallet/topup", manage(http.HandlerFunc(s.topup))).Methods(http.MethodPost)
	orgs.Handle("/subscription", read(http.HandlerFunc(s.getSubscription))).Methods(http.MethodGet)
	orgs.Handle("/wallet", read(http.HandlerFunc(s.getWallet))).Methods(http.MethodGet)
	orgs.Handle("/invoices", read(http.HandlerFunc(s.listInvoices))).Methods(http.MethodGet)
	orgs.Handle("/invoices/{invoice_id}", read(http.HandlerFunc(s.getInvoice))).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Handler returns the server wrapped with OpenTelemetry instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "settle-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method
		}),
	)
}

// HTTPServer builds the listening server for addr
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout, idleTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// routeTemplate labels a request with its mux path template
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
