package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Billing metrics
	PlanChangesTotal     *prometheus.CounterVec
	PlanChangeDuration   *prometheus.HistogramVec
	WebhookEventsTotal   *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec
	InvoiceTransitions   *prometheus.CounterVec
	WalletCreditedAmount *prometheus.CounterVec
	LockConflictsTotal   *prometheus.CounterVec

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	RateLimitDecisions *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settle_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settle_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		PlanChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_plan_changes_total",
				Help: "Plan change attempts by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		PlanChangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settle_plan_change_duration_seconds",
				Help:    "Plan change execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_webhook_events_total",
				Help: "Webhook deliveries by gateway and outcome",
			},
			[]string{"gateway", "outcome"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settle_settlement_duration_seconds",
				Help:    "Webhook settlement duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gateway"},
		),
		InvoiceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_invoice_transitions_total",
				Help: "Invoice status transitions by invoice type and target status",
			},
			[]string{"type", "status"},
		),
		WalletCreditedAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_wallet_credited_amount_total",
				Help: "Sum of wallet credits by reason",
			},
			[]string{"reason"},
		),
		LockConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_lock_conflicts_total",
				Help: "Lock acquisitions lost to a concurrent holder",
			},
			[]string{"scope"},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_gateway_requests_total",
				Help: "Payment gateway calls by gateway, operation and status",
			},
			[]string{"gateway", "operation", "status"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settle_gateway_request_duration_seconds",
				Help:    "Payment gateway call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gateway", "operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settle_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settle_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_notifications_total",
				Help: "Outbound billing event deliveries by event type and status",
			},
			[]string{"event", "status"},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settle_rate_limit_decisions_total",
				Help: "Webhook rate limiter decisions (allowed, rejected, error)",
			},
			[]string{"decision"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.PlanChangesTotal,
		m.PlanChangeDuration,
		m.WebhookEventsTotal,
		m.SettlementDuration,
		m.InvoiceTransitions,
		m.WalletCreditedAmount,
		m.LockConflictsTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.NotificationsTotal,
		m.RateLimitDecisions,
	)

	return m
}

// ObservePlanChange records a plan change outcome. A zero duration skips the histogram.
func (m *Metrics) ObservePlanChange(direction, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if direction == "" {
		direction = "unknown"
	}
	m.PlanChangesTotal.WithLabelValues(direction, outcome).Inc()
	if d > 0 {
		m.PlanChangeDuration.WithLabelValues(direction).Observe(d.Seconds())
	}
}

// ObserveWebhook records a webhook delivery outcome
func (m *Metrics) ObserveWebhook(gateway, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(gateway, outcome).Inc()
	m.SettlementDuration.WithLabelValues(gateway).Observe(d.Seconds())
}

// RecordInvoiceTransition counts an invoice leaving pending
func (m *Metrics) RecordInvoiceTransition(invoiceType, status string) {
	if m == nil {
		return
	}
	m.InvoiceTransitions.WithLabelValues(invoiceType, status).Inc()
}

// RecordWalletCredit adds amount to the credited total for reason
func (m *Metrics) RecordWalletCredit(reason string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.WalletCreditedAmount.WithLabelValues(reason).Add(amount)
}

// RecordLockConflict counts a lost lock race
func (m *Metrics) RecordLockConflict(scope string) {
	if m == nil {
		return
	}
	m.LockConflictsTotal.WithLabelValues(scope).Inc()
}

// ObserveGatewayRequest records one payment gateway call
func (m *Metrics) ObserveGatewayRequest(gateway, operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.GatewayRequestsTotal.WithLabelValues(gateway, operation, status).Inc()
	m.GatewayRequestDuration.WithLabelValues(gateway, operation).Observe(d.Seconds())
}

// RecordCacheLookup counts a cache hit or miss
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordNotification counts an outbound event delivery
func (m *Metrics) RecordNotification(event, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(event, status).Inc()
}

// RecordRateLimit counts one limiter decision
func (m *Metrics) RecordRateLimit(decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(decision).Inc()
}

// SetDBStats updates the connection pool gauges
func (m *Metrics) SetDBStats(active, idle int) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(active))
	m.DBConnectionsIdle.Set(float64(idle))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// routeOf maps a request to a low-cardinality label; nil uses the URL path.
func HTTPMetricsMiddleware(metrics *Metrics, routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	if routeOf == nil {
		routeOf = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeOf(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
