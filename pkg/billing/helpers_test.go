package billing_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/storage/memory"
)

const tenantID int64 = 42

var (
	cycleStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tenDaysIn  = cycleStart.AddDate(0, 0, 10)
)

// mockGateway is a billing.Gateway with overridable behaviour
type mockGateway struct {
	name              string
	createSessionFunc func(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeSession, error)
	verifyFunc        func(ctx context.Context, payload []byte, token string) (bool, error)

	mu       sync.Mutex
	requests []billing.ChargeRequest
}

func (m *mockGateway) Name() string {
	if m.name == "" {
		return "callback"
	}
	return m.name
}

func (m *mockGateway) CreateChargeSession(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeSession, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.createSessionFunc != nil {
		return m.createSessionFunc(ctx, req)
	}
	return &billing.ChargeSession{
		Token:      "tok_" + req.InvoiceID,
		Reference:  "ref_" + req.InvoiceID,
		PaymentURL: "https://pay.example.com/" + req.InvoiceID,
	}, nil
}

func (m *mockGateway) VerifySignature(ctx context.Context, payload []byte, token string) (bool, error) {
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, payload, token)
	}
	return token == "valid", nil
}

// ParseNotification reads {"id","reference","invoice_id","status","amount"}
func (m *mockGateway) ParseNotification(payload []byte) (*billing.Notification, error) {
	var body struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		InvoiceID string `json:"invoice_id"`
		Status    string `json:"status"`
		Amount    string `json:"amount"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	n := &billing.Notification{EventID: body.ID, Reference: body.Reference, InvoiceID: body.InvoiceID, Status: billing.NotificationStatus(body.Status)}
	if body.Amount != "" {
		amount, err := decimal.NewFromString(body.Amount)
		if err != nil {
			return nil, err
		}
		n.Amount = amount
	}
	return n, nil
}

func (m *mockGateway) chargeRequests() []billing.ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.ChargeRequest(nil), m.requests...)
}

// recordingSink keeps published events
type recordingSink struct {
	mu     sync.Mutex
	events []billing.Event
}

func (r *recordingSink) Publish(_ context.Context, e billing.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) types() []billing.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store   *memory.LedgerStore
	gateway *mockGateway
	sink    *recordingSink
	now     time.Time
	changer *billing.PlanChanger
	settler *billing.Settler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:   memory.NewLedgerStore(),
		gateway: &mockGateway{},
		sink:    &recordingSink{},
		now:     tenDaysIn,
	}
	for _, p := range []billing.Plan{
		{Code: "starter", Name: "Starter", Price: decimal.NewFromInt(100), Currency: "USD", Interval: billing.IntervalMonth},
		{Code: "growth", Name: "Growth", Price: decimal.NewFromInt(200), Currency: "USD", Interval: billing.IntervalMonth},
	} {
		p := p
		_, err := f.store.CreatePlan(ctx, &p)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.CreateSubscription(ctx, &billing.Subscription{
		TenantID:   tenantID,
		PlanCode:   "starter",
		Status:     billing.SubscriptionStatusActive,
		CycleStart: cycleStart,
		CycleEnd:   cycleStart.AddDate(0, 0, 30),
	}))

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	clock := func() time.Time { return f.now }

	f.changer = billing.NewPlanChanger(billing.PlanChangerConfig{
		Store:   f.store,
		Gateway: f.gateway,
		Events:  f.sink,
		Logger:  logger,
		Clock:   clock,
	})
	f.settler = billing.NewSettler(billing.SettlerConfig{
		Store:    f.store,
		Gateways: billing.NewGateways(f.gateway),
		Events:   f.sink,
		Logger:   logger,
		Clock:    clock,
	})
	return f
}

func (f *fixture) deliver(t *testing.T, reference, status, amount, token string) (billing.SettlementResult, error) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"id":        "evt_" + reference + "_" + status,
		"reference": reference,
		"status":    status,
		"amount":    amount,
	})
	require.NoError(t, err)

	return f.settler.HandleEvent(context.Background(), billing.Delivery{
		Gateway:  "callback",
		Payload:  payload,
		Headers:  map[string][]string{"X-Callback-Signature": {token}},
		SourceIP: "203.0.113.9",
		Token:    token,
	})
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.store.WalletBalance(context.Background(), tenantID)
	require.NoError(t, err)
	return b
}

func (f *fixture) subscription(t *testing.T) *billing.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), tenantID)
	require.NoError(t, err)
	return sub
}
