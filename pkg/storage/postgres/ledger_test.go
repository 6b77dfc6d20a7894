package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/billing"
)

var (
	testNow     = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	subColumns  = []string{"id", "tenant_id", "plan_code", "status", "cycle_start", "cycle_end", "version", "created_at", "updated_at"}
	invColumns  = []string{"id", "tenant_id", "subscription_id", "type", "amount", "currency", "status", "gateway", "gateway_ref", "target_plan_code", "subscription_version", "issued_at", "paid_at", "settled_at"}
	planColumns = []string{"code", "name", "price", "currency", "billing_interval", "limits", "created_at"}
)

func newMockStore(t *testing.T) (*LedgerStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedgerStore(db, 2*time.Second), mock
}

func expectBegin(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout = '2000ms'`).WillReturnResult(sqlmock.NewResult(0, 0))
}

func subscriptionRow(version int64) *sqlmock.Rows {
	return sqlmock.NewRows(subColumns).AddRow(
		int64(1), int64(42), "starter", "active", testNow.AddDate(0, 0, -10), testNow.AddDate(0, 0, 20), version, testNow, testNow,
	)
}

func TestLedgerStore_GetPlan(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT code, name, price, currency, billing_interval, limits, created_at\s+FROM plans\s+WHERE code = \$1`).
		WithArgs("growth").
		WillReturnRows(sqlmock.NewRows(planColumns).AddRow("growth", "Growth", "200.00", "USD", "month", []byte(`{"seats":10}`), testNow))

	plan, err := store.GetPlan(context.Background(), "growth")
	require.NoError(t, err)
	assert.Equal(t, "200.00", plan.Price.StringFixed(2))
	assert.Equal(t, billing.IntervalMonth, plan.Interval)
	assert.Equal(t, int64(10), plan.Limits["seats"])

	mock.ExpectQuery(`FROM plans`).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err = store.GetPlan(context.Background(), "missing")
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_CreatePlanExisting(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO plans .* ON CONFLICT \(code\) DO NOTHING`).
		WithArgs("starter", "Starter", sqlmock.AnyArg(), "USD", "month", []byte("{}")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	created, err := store.CreatePlan(context.Background(), &billing.Plan{
		Code: "starter", Name: "Starter", Price: decimal.NewFromInt(100), Currency: "USD", Interval: billing.IntervalMonth,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_CreateSubscriptionErrors(t *testing.T) {
	tests := []struct {
		name string
		code pq.ErrorCode
		want error
	}{
		{"duplicate tenant", pqUniqueViolation, billing.ErrSubscriptionExists},
		{"unknown plan", pqForeignKeyViolation, billing.ErrPlanNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery(`INSERT INTO subscriptions`).WillReturnError(&pq.Error{Code: tt.code})

			err := store.CreateSubscription(context.Background(), &billing.Subscription{
				TenantID: 42, PlanCode: "starter", Status: billing.SubscriptionStatusActive,
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLedgerStore_WithTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectBegin(mock)
	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id = \$1 FOR UPDATE NOWAIT`).
		WithArgs(int64(42)).
		WillReturnRows(subscriptionRow(3))
	mock.ExpectQuery(`UPDATE subscriptions\s+SET plan_code = \$1, version = version \+ 1`).
		WithArgs("starter", int64(42), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(4), testNow))
	mock.ExpectQuery(`INSERT INTO wallet_transactions`).
		WithArgs(int64(42), sqlmock.AnyArg(), billing.ReasonPlanDowngrade, "chg-1", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(9), testNow))
	mock.ExpectCommit()

	var sub *billing.Subscription
	err := store.WithTx(ctx, func(tx billing.Tx) error {
		var err error
		sub, err = tx.LockSubscription(ctx, 42)
		if err != nil {
			return err
		}
		if err := tx.UpdateSubscriptionPlan(ctx, sub, "starter"); err != nil {
			return err
		}
		return tx.AppendWalletTransaction(ctx, &billing.WalletTransaction{
			TenantID:  42,
			Amount:    decimal.RequireFromString("66.67"),
			Reason:    billing.ReasonPlanDowngrade,
			Reference: "chg-1",
			CreatedAt: testNow,
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), sub.Version)
	assert.Equal(t, "starter", sub.PlanCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_LockSubscriptionHeld(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectBegin(mock)
	mock.ExpectQuery(`FOR UPDATE NOWAIT`).WillReturnError(&pq.Error{Code: pqLockNotAvailable})
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		_, err := tx.LockSubscription(ctx, 42)
		return err
	})
	assert.ErrorIs(t, err, billing.ErrConcurrentChange)
	assert.True(t, billing.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_UpdateSubscriptionPlanStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectBegin(mock)
	mock.ExpectQuery(`UPDATE subscriptions`).
		WithArgs("growth", int64(42), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		return tx.UpdateSubscriptionPlan(ctx, &billing.Subscription{TenantID: 42, Version: 1}, "growth")
	})
	assert.ErrorIs(t, err, billing.ErrConcurrentChange)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_SetSubscriptionStatus(t *testing.T) {
	tests := []struct {
		name string
		rows *sqlmock.Rows
		err  error
		want billing.SubscriptionStatus
	}{
		{
			name: "current version",
			rows: sqlmock.NewRows([]string{"updated_at"}).AddRow(testNow),
			want: billing.SubscriptionStatusPendingChange,
		},
		{
			name: "stale version",
			rows: sqlmock.NewRows([]string{"updated_at"}),
			err:  billing.ErrConcurrentChange,
			want: billing.SubscriptionStatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			ctx := context.Background()

			expectBegin(mock)
			mock.ExpectQuery(`UPDATE subscriptions\s+SET status = \$1, updated_at = NOW\(\)\s+WHERE tenant_id = \$2 AND version = \$3`).
				WithArgs("pending_change", int64(42), int64(5)).
				WillReturnRows(tt.rows)
			if tt.err == nil {
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			sub := &billing.Subscription{TenantID: 42, Status: billing.SubscriptionStatusActive, Version: 5}
			err := store.WithTx(ctx, func(tx billing.Tx) error {
				return tx.SetSubscriptionStatus(ctx, sub, billing.SubscriptionStatusPendingChange)
			})
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, sub.Status)
			assert.Equal(t, int64(5), sub.Version, "status changes keep the version")
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLedgerStore_CreateInvoiceStoresSubscriptionVersion(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	subID := int64(1)

	expectBegin(mock)
	mock.ExpectExec(`INSERT INTO invoices .*subscription_version, issued_at\)\s+VALUES \(\$1, .*\$12\)`).
		WithArgs("inv-1", int64(42), int64(1), "plan_change", sqlmock.AnyArg(), "USD", "pending", "callback",
			nil, "growth", int64(7), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		return tx.CreateInvoice(ctx, &billing.Invoice{
			ID:                  "inv-1",
			TenantID:            42,
			SubscriptionID:      &subID,
			Type:                billing.InvoiceTypePlanChange,
			Amount:              decimal.RequireFromString("133.33"),
			Currency:            "USD",
			Status:              billing.InvoiceStatusPending,
			Gateway:             "callback",
			TargetPlanCode:      "growth",
			SubscriptionVersion: 7,
			IssuedAt:            testNow,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_LockInvoiceByRef(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	expectBegin(mock)
	mock.ExpectQuery(`WHERE gateway = \$1 AND \(gateway_ref = \$2 OR id::text = \$2\)\s+LIMIT 1\s+FOR UPDATE`).
		WithArgs("callback", "ref_1").
		WillReturnRows(sqlmock.NewRows(invColumns).AddRow(
			"inv-1", int64(42), int64(1), "plan_change", "133.33", "USD", "pending", "callback", "ref_1", "growth", int64(3), testNow, nil, nil,
		))
	mock.ExpectQuery(`WHERE gateway = \$1`).
		WithArgs("callback", "nope").
		WillReturnRows(sqlmock.NewRows(invColumns))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		inv, err := tx.LockInvoiceByRef(ctx, "callback", "ref_1")
		require.NoError(t, err)
		assert.Equal(t, "inv-1", inv.ID)
		assert.Equal(t, "133.33", inv.Amount.StringFixed(2))
		require.NotNil(t, inv.SubscriptionID)
		assert.Equal(t, int64(1), *inv.SubscriptionID)
		assert.Equal(t, "growth", inv.TargetPlanCode)
		assert.Equal(t, int64(3), inv.SubscriptionVersion)
		assert.Nil(t, inv.PaidAt)

		_, err = tx.LockInvoiceByRef(ctx, "callback", "nope")
		return err
	})
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_TransitionInvoice(t *testing.T) {
	t.Run("pending to paid", func(t *testing.T) {
		store, mock := newMockStore(t)
		ctx := context.Background()

		expectBegin(mock)
		mock.ExpectExec(`UPDATE invoices\s+SET status = \$2.*WHERE id::text = \$1 AND status = 'pending'`).
			WithArgs("inv-1", "paid", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
			return tx.TransitionInvoice(ctx, "inv-1", billing.InvoiceStatusPaid, testNow)
		}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already terminal", func(t *testing.T) {
		store, mock := newMockStore(t)
		ctx := context.Background()

		expectBegin(mock)
		mock.ExpectExec(`UPDATE invoices`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT status FROM invoices`).
			WithArgs("inv-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("expired"))
		mock.ExpectRollback()

		err := store.WithTx(ctx, func(tx billing.Tx) error {
			return tx.TransitionInvoice(ctx, "inv-1", billing.InvoiceStatusPaid, testNow)
		})
		assert.ErrorIs(t, err, billing.ErrInvoiceNotPending)
		assert.Contains(t, err.Error(), "expired")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non terminal target", func(t *testing.T) {
		store, mock := newMockStore(t)
		ctx := context.Background()

		expectBegin(mock)
		mock.ExpectRollback()

		err := store.WithTx(ctx, func(tx billing.Tx) error {
			return tx.TransitionInvoice(ctx, "inv-1", billing.InvoiceStatusPending, testNow)
		})
		assert.ErrorIs(t, err, billing.ErrInvoiceNotPending)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerStore_SerializationFailureOnCommit(t *testing.T) {
	store, mock := newMockStore(t)

	expectBegin(mock)
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: pqSerializationFailure})

	err := store.WithTx(context.Background(), func(billing.Tx) error { return nil })
	assert.ErrorIs(t, err, billing.ErrConcurrentChange)
}

func TestLedgerStore_WalletBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM wallet_transactions WHERE tenant_id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("81.67"))

	balance, err := store.WalletBalance(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "81.67", balance.StringFixed(2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_RecordAndUpdateWebhookEvent(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	event := &billing.WebhookEvent{
		ID:         "evt-1",
		Gateway:    "callback",
		Payload:    []byte(`{"status":"PAID"}`),
		Headers:    map[string][]string{"X-Callback-Token": {"t"}},
		SourceIP:   "10.0.0.1",
		Status:     billing.WebhookEventReceived,
		ReceivedAt: testNow,
	}

	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("evt-1", "callback", event.Payload, []byte(`{"X-Callback-Token":["t"]}`), "10.0.0.1", false, "received", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.RecordWebhookEvent(ctx, event))

	processed := testNow.Add(time.Second)
	event.Status = billing.WebhookEventProcessed
	event.SignatureValid = true
	event.InvoiceID = "inv-1"
	event.ProcessedAt = &processed

	mock.ExpectExec(`UPDATE webhook_events`).
		WithArgs("evt-1", sql.NullString{}, true, "processed", sql.NullString{String: "inv-1", Valid: true}, sql.NullString{}, &processed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateWebhookEvent(ctx, event))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, listLimit(0))
	assert.Equal(t, defaultListLimit, listLimit(-5))
	assert.Equal(t, 10, listLimit(10))
}
