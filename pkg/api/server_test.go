package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/storage/memory"
)

const testTenant int64 = 42

var testSecret = []byte("api-test-secret")

// mockPlanService implements PlanService for testing
type mockPlanService struct {
	previewFunc func(ctx context.Context, tenantID int64, plan string) (*billing.PlanChangeQuote, error)
	executeFunc func(ctx context.Context, tenantID int64, plan string) (*billing.PlanChangeOutcome, error)
	topupFunc   func(ctx context.Context, tenantID int64, amount decimal.Decimal) (*billing.TopupOutcome, error)
}

func (m *mockPlanService) Preview(ctx context.Context, tenantID int64, plan string) (*billing.PlanChangeQuote, error) {
	if m.previewFunc != nil {
		return m.previewFunc(ctx, tenantID, plan)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPlanService) Execute(ctx context.Context, tenantID int64, plan string) (*billing.PlanChangeOutcome, error) {
	if m.executeFunc != nil {
		return m.executeFunc(ctx, tenantID, plan)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPlanService) Topup(ctx context.Context, tenantID int64, amount decimal.Decimal) (*billing.TopupOutcome, error) {
	if m.topupFunc != nil {
		return m.topupFunc(ctx, tenantID, amount)
	}
	return nil, errors.New("not implemented")
}

// mockSettler implements Settler for testing
type mockSettler struct {
	handleFunc func(ctx context.Context, d billing.Delivery) (billing.SettlementResult, error)
	deliveries []billing.Delivery
}

func (m *mockSettler) HandleEvent(ctx context.Context, d billing.Delivery) (billing.SettlementResult, error) {
	m.deliveries = append(m.deliveries, d)
	if m.handleFunc != nil {
		return m.handleFunc(ctx, d)
	}
	return billing.SettlementResult{Success: true, Message: "invoice paid", EventID: "evt-1"}, nil
}

type testEnv struct {
	server  *Server
	plans   *mockPlanService
	settler *mockSettler
	store   *memory.LedgerStore
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	store := memory.NewLedgerStore()
	ctx := context.Background()
	_, err := store.CreatePlan(ctx, &billing.Plan{Code: "basic", Name: "Basic", Price: decimal.NewFromInt(100), Currency: "USD", Interval: billing.IntervalMonth})
	require.NoError(t, err)
	_, err = store.CreatePlan(ctx, &billing.Plan{Code: "pro", Name: "Pro", Price: decimal.NewFromInt(200), Currency: "USD", Interval: billing.IntervalMonth})
	require.NoError(t, err)

	env := &testEnv{
		plans:   &mockPlanService{},
		settler: &mockSettler{},
		store:   store,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	cfg := Config{
		Plans:            env.plans,
		Settler:          env.settler,
		Ledger:           store,
		Verifier:         auth.NewTokenVerifier(testSecret, "", ""),
		Metrics:          env.metrics,
		RetryOnTransient: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.server = NewServer(cfg)
	return env
}

func token(t *testing.T, caps ...auth.Capability) string {
	t.Helper()
	tok, err := auth.NewTokenVerifier(testSecret, "", "").Issue(auth.Principal{
		Subject:      "ops@example.com",
		TenantIDs:    []int64{testTenant},
		Capabilities: caps,
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	return body
}

func TestServer_RequestID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/plans", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_NotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	decodeError(t, rec)
}

func TestServer_AuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/orgs/42/subscription", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/orgs/43/subscription", token(t, auth.CapabilityRead), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_ManageCapability(t *testing.T) {
	env := newTestEnv(t)
	called := false
	env.plans.executeFunc = func(ctx context.Context, tenantID int64, plan string) (*billing.PlanChangeOutcome, error) {
		called = true
		return &billing.PlanChangeOutcome{}, nil
	}

	rec := env.do(t, http.MethodPost, "/api/v1/orgs/42/plan-change", token(t, auth.CapabilityRead), PlanChangeRequest{PlanCode: "pro"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)
}

func TestServer_MetricsByRouteTemplate(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/v1/plans", "", nil)

	count := testutil.ToFloat64(env.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/plans", "200"))
	assert.Equal(t, 1.0, count)
}

func TestServer_HandlerInstrumented(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_HTTPServer(t *testing.T) {
	env := newTestEnv(t)
	srv := env.server.HTTPServer(":8080", 5*time.Second, 10*time.Second, time.Minute)
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 10*time.Second, srv.WriteTimeout)
	assert.NotNil(t, srv.Handler)
}
