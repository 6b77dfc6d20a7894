package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/billing"
)

func seedSubscription(t *testing.T, env *testEnv) {
	t.Helper()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.store.CreateSubscription(context.Background(), &billing.Subscription{
		TenantID:   testTenant,
		PlanCode:   "basic",
		Status:     billing.SubscriptionStatusActive,
		CycleStart: start,
		CycleEnd:   start.AddDate(0, 1, 0),
	}))
}

func seedInvoice(t *testing.T, env *testEnv, id string, tenantID int64) {
	t.Helper()
	require.NoError(t, env.store.WithTx(context.Background(), func(tx billing.Tx) error {
		return tx.CreateInvoice(context.Background(), &billing.Invoice{
			ID:       id,
			TenantID: tenantID,
			Type:     billing.InvoiceTypeTopup,
			Amount:   decimal.RequireFromString("25.00"),
			Currency: "USD",
			Status:   billing.InvoiceStatusPending,
			Gateway:  "callback",
			IssuedAt: time.Now(),
		})
	}))
}

func TestListPlans(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var plans []billing.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 2)
	codes := []string{plans[0].Code, plans[1].Code}
	assert.ElementsMatch(t, []string{"basic", "pro"}, codes)
}

func TestPreviewPlanChange(t *testing.T) {
	env := newTestEnv(t)
	env.plans.previewFunc = func(ctx context.Context, tenantID int64, plan string) (*billing.PlanChangeQuote, error) {
		assert.Equal(t, testTenant, tenantID)
		assert.Equal(t, "pro", plan)
		return &billing.PlanChangeQuote{
			TenantID:    tenantID,
			CurrentPlan: "basic",
			TargetPlan:  plan,
			Proration: billing.ProrationResult{
				Direction: billing.DirectionUpgrade,
				AmountDue: decimal.RequireFromString("133.33"),
			},
		}, nil
	}

	rec := env.do(t, http.MethodGet, "/api/v1/orgs/42/plan-change/preview?plan=pro", token(t, auth.CapabilityRead), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var quote billing.PlanChangeQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.Equal(t, "133.33", quote.Proration.AmountDue.StringFixed(2))
	assert.Equal(t, billing.DirectionUpgrade, quote.Proration.Direction)
}

func TestPreviewPlanChange_MissingPlan(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/orgs/42/plan-change/preview", token(t, auth.CapabilityRead), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation_failed", body["code"])
}

func TestExecutePlanChange(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		outcome    *billing.PlanChangeOutcome
		wantStatus int
		wantCode   string
	}{
		{
			name: "upgrade returns session",
			outcome: &billing.PlanChangeOutcome{
				Direction:    billing.DirectionUpgrade,
				InvoiceID:    "inv-1",
				SessionToken: "tok",
				PaymentURL:   "https://pay.example.com/inv-1",
				AmountDue:    decimal.RequireFromString("133.33"),
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "downgrade returns credit",
			outcome: &billing.PlanChangeOutcome{
				Direction:    billing.DirectionDowngrade,
				CreditAmount: decimal.RequireFromString("66.67"),
				Applied:      true,
			},
			wantStatus: http.StatusOK,
		},
		{name: "same plan", err: billing.ErrInvalidPlanTransition, wantStatus: http.StatusUnprocessableEntity, wantCode: "invalid_plan_transition"},
		{name: "unknown plan", err: billing.ErrPlanNotFound, wantStatus: http.StatusNotFound, wantCode: "plan_not_found"},
		{name: "no subscription", err: billing.ErrSubscriptionNotFound, wantStatus: http.StatusNotFound, wantCode: "subscription_not_found"},
		{name: "inactive subscription", err: billing.ErrSubscriptionInactive, wantStatus: http.StatusUnprocessableEntity, wantCode: "subscription_inactive"},
		{name: "concurrent change", err: billing.ErrConcurrentChange, wantStatus: http.StatusConflict, wantCode: "concurrent_change"},
		{name: "gateway down", err: billing.ErrGatewayUnavailable, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.plans.executeFunc = func(ctx context.Context, tenantID int64, plan string) (*billing.PlanChangeOutcome, error) {
				return tt.outcome, tt.err
			}

			rec := env.do(t, http.MethodPost, "/api/v1/orgs/42/plan-change", token(t, auth.CapabilityManage), PlanChangeRequest{PlanCode: "pro"})
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.err == nil {
				var outcome billing.PlanChangeOutcome
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
				assert.Equal(t, tt.outcome.Direction, outcome.Direction)
				assert.True(t, tt.outcome.CreditAmount.Equal(outcome.CreditAmount))
				return
			}

			body := decodeError(t, rec)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["code"])
			}
			if tt.wantStatus == http.StatusConflict {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
			if tt.wantStatus >= http.StatusInternalServerError {
				assert.Equal(t, "service temporarily unavailable", body["message"])
			}
		})
	}
}

func TestExecutePlanChange_Validation(t *testing.T) {
	env := newTestEnv(t)
	manage := token(t, auth.CapabilityManage)

	rec := env.do(t, http.MethodPost, "/api/v1/orgs/42/plan-change", manage, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details, "plancode")

	rec = env.do(t, http.MethodPost, "/api/v1/orgs/42/plan-change", manage, map[string]string{"plan_code": "pro", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orgs/42/plan-change", strings.NewReader(`plan_code=pro`))
	req.Header.Set("Authorization", "Bearer "+manage)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestTopup(t *testing.T) {
	env := newTestEnv(t)
	env.plans.topupFunc = func(ctx context.Context, tenantID int64, amount decimal.Decimal) (*billing.TopupOutcome, error) {
		if !amount.IsPositive() {
			return nil, billing.ErrInvalidAmount
		}
		return &billing.TopupOutcome{InvoiceID: "inv-9", SessionToken: "tok", Amount: amount}, nil
	}
	manage := token(t, auth.CapabilityManage)

	rec := env.do(t, http.MethodPost, "/api/v1/orgs/42/wallet/topup", manage, map[string]string{"amount": "25.00"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var outcome billing.TopupOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, "inv-9", outcome.InvoiceID)
	assert.Equal(t, "25.00", outcome.Amount.StringFixed(2))

	rec = env.do(t, http.MethodPost, "/api/v1/orgs/42/wallet/topup", manage, map[string]string{"amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", decodeError(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/api/v1/orgs/42/wallet/topup", manage, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSubscription(t *testing.T) {
	env := newTestEnv(t)
	read := token(t, auth.CapabilityRead)

	rec := env.do(t, http.MethodGet, "/api/v1/orgs/42/subscription", read, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	seedSubscription(t, env)
	rec = env.do(t, http.MethodGet, "/api/v1/orgs/42/subscription", read, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub billing.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, "basic", sub.PlanCode)
	assert.Equal(t, testTenant, sub.TenantID)
}

func TestGetWallet(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.WithTx(context.Background(), func(tx billing.Tx) error {
		return tx.AppendWalletTransaction(context.Background(), &billing.WalletTransaction{
			TenantID: testTenant,
			Amount:   decimal.RequireFromString("66.67"),
			Reason:   billing.ReasonPlanDowngrade,
		})
	}))

	rec := env.do(t, http.MethodGet, "/api/v1/orgs/42/wallet", token(t, auth.CapabilityRead), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallet billing.Wallet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
	assert.Equal(t, "66.67", wallet.Balance.StringFixed(2))
	require.Len(t, wallet.Transactions, 1)
	assert.Equal(t, billing.ReasonPlanDowngrade, wallet.Transactions[0].Reason)

	rec = env.do(t, http.MethodGet, "/api/v1/orgs/42/wallet?limit=0", token(t, auth.CapabilityRead), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvoices(t *testing.T) {
	env := newTestEnv(t)
	seedInvoice(t, env, "inv-own", testTenant)
	seedInvoice(t, env, "inv-other", 7)
	read := token(t, auth.CapabilityRead)

	rec := env.do(t, http.MethodGet, "/api/v1/orgs/42/invoices", read, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var invoices []billing.Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &invoices))
	require.Len(t, invoices, 1)
	assert.Equal(t, "inv-own", invoices[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/orgs/42/invoices/inv-own", read, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/orgs/42/invoices/inv-other", read, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invoice_not_found", decodeError(t, rec)["code"])

	rec = env.do(t, http.MethodGet, "/api/v1/orgs/42/invoices/missing", read, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
