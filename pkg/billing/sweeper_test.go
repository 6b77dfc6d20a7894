package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/billing"
)

func TestSweeper_ExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.changer.Topup(ctx, tenantID, decimal.NewFromInt(10))
	require.NoError(t, err)
	paid, err := f.changer.Topup(ctx, tenantID, decimal.NewFromInt(15))
	require.NoError(t, err)
	_, err = f.deliver(t, paid.InvoiceID, "PAID", "", "valid")
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)
	fresh, err := f.changer.Topup(ctx, tenantID, decimal.NewFromInt(20))
	require.NoError(t, err)

	sweeper := billing.NewSweeper(f.store, f.sink, nil, nil, func() time.Time { return f.now })
	result, err := sweeper.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, billing.SweepResult{Scanned: 1, Expired: 1}, result)

	for id, want := range map[string]billing.InvoiceStatus{
		old.InvoiceID:   billing.InvoiceStatusExpired,
		paid.InvoiceID:  billing.InvoiceStatusPaid,
		fresh.InvoiceID: billing.InvoiceStatusPending,
	} {
		inv, err := f.store.GetInvoice(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, inv.Status, id)
	}
	assert.Contains(t, f.sink.types(), billing.EventInvoiceExpired)

	// a webhook arriving after the sweep is an idempotent replay
	late, err := f.deliver(t, old.InvoiceID, "PAID", "", "valid")
	require.NoError(t, err)
	assert.True(t, late.Idempotent)
	assert.Equal(t, "15.00", f.balance(t).StringFixed(2))

	again, err := sweeper.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, billing.SweepResult{}, again)
}

func TestSweeper_ReleasesPendingUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upgrade, err := f.changer.Execute(ctx, tenantID, "growth")
	require.NoError(t, err)
	require.Equal(t, billing.SubscriptionStatusPendingChange, f.subscription(t).Status)

	f.now = f.now.Add(48 * time.Hour)
	sweeper := billing.NewSweeper(f.store, f.sink, nil, nil, func() time.Time { return f.now })
	result, err := sweeper.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, billing.SweepResult{Scanned: 1, Expired: 1}, result)

	inv, err := f.store.GetInvoice(ctx, upgrade.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusExpired, inv.Status)

	sub := f.subscription(t)
	assert.Equal(t, "starter", sub.PlanCode)
	assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(1), sub.Version)

	// the released subscription is quoted again from its own plan
	quote, err := f.changer.Preview(ctx, tenantID, "growth")
	require.NoError(t, err)
	assert.Equal(t, billing.DirectionUpgrade, quote.Proration.Direction)
}
