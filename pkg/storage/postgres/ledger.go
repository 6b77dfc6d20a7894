package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/settle/pkg/billing"
)

var ledgerTracer = otel.Tracer("settle/storage/postgres")

// PostgreSQL error codes translated into domain errors
const (
	pqLockNotAvailable     = "55P03"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
	pqForeignKeyViolation  = "23503"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultListLimit   = 100
)

const invoiceColumns = `id, tenant_id, subscription_id, type, amount, currency, status, gateway,
	gateway_ref, target_plan_code, subscription_version, issued_at, paid_at, settled_at`

const subscriptionColumns = `id, tenant_id, plan_code, status, cycle_start, cycle_end, version, created_at, updated_at`

// LedgerStore implements billing.Store on PostgreSQL. Writes and
// transactions use the primary; list queries may go to a replica.
type LedgerStore struct {
	db          *sql.DB
	reader      func() *sql.DB
	lockTimeout time.Duration
}

var _ billing.Store = (*LedgerStore)(nil)

// NewLedgerStore creates a store on a single database handle
func NewLedgerStore(db *sql.DB, lockTimeout time.Duration) *LedgerStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &LedgerStore{
		db:          db,
		reader:      func() *sql.DB { return db },
		lockTimeout: lockTimeout,
	}
}

// NewReplicatedLedgerStore sends list queries to the manager's replicas
func NewReplicatedLedgerStore(cm *ConnectionManager, lockTimeout time.Duration) *LedgerStore {
	s := NewLedgerStore(cm.Primary(), lockTimeout)
	s.reader = cm.Replica
	return s
}

func (s *LedgerStore) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	return getPlan(ctx, s.db, code)
}

func (s *LedgerStore) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT code, name, price, currency, billing_interval, limits, created_at
		FROM plans
		ORDER BY price, code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*billing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *LedgerStore) CreatePlan(ctx context.Context, plan *billing.Plan) (bool, error) {
	limits, err := json.Marshal(plan.Limits)
	if err != nil {
		return false, fmt.Errorf("failed to encode plan limits: %w", err)
	}
	if plan.Limits == nil {
		limits = []byte("{}")
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO plans (code, name, price, currency, billing_interval, limits)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO NOTHING
		RETURNING created_at
	`, plan.Code, plan.Name, plan.Price, plan.Currency, string(plan.Interval), limits).Scan(&plan.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create plan: %w", err)
	}
	return true, nil
}

func (s *LedgerStore) GetSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID)
	return scanSubscription(row, tenantID)
}

func (s *LedgerStore) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (tenant_id, plan_code, status, cycle_start, cycle_end)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, version, created_at, updated_at
	`, sub.TenantID, sub.PlanCode, string(sub.Status), sub.CycleStart, sub.CycleEnd).Scan(
		&sub.ID, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	switch pqCode(err) {
	case "":
	case pqUniqueViolation:
		return billing.ErrSubscriptionExists.With(err)
	case pqForeignKeyViolation:
		return billing.ErrPlanNotFound.Withf("plan %q not found", sub.PlanCode)
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id::text = $1`, id)
	return scanInvoice(row, id)
}

func (s *LedgerStore) ListInvoices(ctx context.Context, tenantID int64, limit int) ([]*billing.Invoice, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE tenant_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`, tenantID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return collectInvoices(rows)
}

func (s *LedgerStore) ListStalePendingInvoices(ctx context.Context, cutoff time.Time, limit int) ([]*billing.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'pending' AND issued_at < $1
		ORDER BY issued_at
		LIMIT $2
	`, cutoff, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale invoices: %w", err)
	}
	return collectInvoices(rows)
}

func (s *LedgerStore) WalletBalance(ctx context.Context, tenantID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE tenant_id = $1`, tenantID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum wallet: %w", err)
	}
	return balance, nil
}

func (s *LedgerStore) ListWalletTransactions(ctx context.Context, tenantID int64, limit int) ([]*billing.WalletTransaction, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, tenant_id, amount, reason, COALESCE(reference, ''), created_at
		FROM wallet_transactions
		WHERE tenant_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, tenantID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []*billing.WalletTransaction
	for rows.Next() {
		var t billing.WalletTransaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Amount, &t.Reason, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

func (s *LedgerStore) RecordWebhookEvent(ctx context.Context, event *billing.WebhookEvent) error {
	ctx, span := ledgerTracer.Start(ctx, "LedgerStore.RecordWebhookEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.gateway", event.Gateway),
		attribute.Int("webhook.payload_bytes", len(event.Payload)),
	)

	headers, err := json.Marshal(event.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode webhook headers: %w", err)
	}
	payload := event.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, gateway, payload, headers, source_ip, signature_valid, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, event.Gateway, payload, headers, event.SourceIP, event.SignatureValid, string(event.Status), event.ReceivedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (s *LedgerStore) UpdateWebhookEvent(ctx context.Context, event *billing.WebhookEvent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET external_id = $2, signature_valid = $3, status = $4, invoice_id = $5, message = $6, processed_at = $7
		WHERE id = $1
	`, event.ID, nullString(event.ExternalID), event.SignatureValid, string(event.Status),
		nullString(event.InvoiceID), nullString(event.Message), event.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook event %s not found", event.ID)
	}
	return nil
}

func (s *LedgerStore) GetWebhookEvent(ctx context.Context, id string) (*billing.WebhookEvent, error) {
	var (
		e                              billing.WebhookEvent
		headers                        []byte
		status                         string
		externalID, invoiceID, message sql.NullString
		sourceIP                       sql.NullString
		processedAt                    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, gateway, external_id, payload, headers, source_ip, signature_valid, status,
			invoice_id, message, received_at, processed_at
		FROM webhook_events
		WHERE id = $1
	`, id).Scan(&e.ID, &e.Gateway, &externalID, &e.Payload, &headers, &sourceIP, &e.SignatureValid,
		&status, &invoiceID, &message, &e.ReceivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	if err := json.Unmarshal(headers, &e.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode webhook headers: %w", err)
	}
	e.Status = billing.WebhookEventStatus(status)
	e.ExternalID = externalID.String
	e.InvoiceID = invoiceID.String
	e.Message = message.String
	e.SourceIP = sourceIP.String
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return &e, nil
}

// WithTx runs fn in a transaction with a bounded lock wait
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx billing.Tx) error) (err error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerStore.WithTx")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transaction failed")
		}
		span.End()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return translate(err)
	}

	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type ledgerTx struct {
	tx *sql.Tx
}

func (t *ledgerTx) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	return getPlan(ctx, t.tx, code)
}

func (t *ledgerTx) LockSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1 FOR UPDATE NOWAIT`, tenantID)
	sub, err := scanSubscription(row, tenantID)
	if err != nil {
		return nil, translate(err)
	}
	return sub, nil
}

func (t *ledgerTx) UpdateSubscriptionPlan(ctx context.Context, sub *billing.Subscription, planCode string) error {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET plan_code = $1, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $2 AND version = $3
		RETURNING version, updated_at
	`, planCode, sub.TenantID, sub.Version).Scan(&sub.Version, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrConcurrentChange.Withf("subscription version %d is stale", sub.Version)
	}
	if pqCode(err) == pqForeignKeyViolation {
		return billing.ErrPlanNotFound.Withf("plan %q not found", planCode)
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription plan: %w", err)
	}
	sub.PlanCode = planCode
	return nil
}

func (t *ledgerTx) SetSubscriptionStatus(ctx context.Context, sub *billing.Subscription, to billing.SubscriptionStatus) error {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND version = $3
		RETURNING updated_at
	`, string(to), sub.TenantID, sub.Version).Scan(&sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrConcurrentChange.Withf("subscription version %d is stale", sub.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to set subscription status: %w", err)
	}
	sub.Status = to
	return nil
}

func (t *ledgerTx) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (id, tenant_id, subscription_id, type, amount, currency, status, gateway,
			gateway_ref, target_plan_code, subscription_version, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, inv.ID, inv.TenantID, inv.SubscriptionID, string(inv.Type), inv.Amount, inv.Currency,
		string(inv.Status), inv.Gateway, nullString(inv.GatewayRef), nullString(inv.TargetPlanCode),
		sql.NullInt64{Int64: inv.SubscriptionVersion, Valid: inv.SubscriptionVersion > 0}, inv.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (t *ledgerTx) LockInvoiceByRef(ctx context.Context, gateway, ref string) (*billing.Invoice, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE gateway = $1 AND (gateway_ref = $2 OR id::text = $2)
		LIMIT 1
		FOR UPDATE
	`, gateway, ref)
	inv, err := scanInvoice(row, ref)
	if err != nil {
		return nil, translate(err)
	}
	return inv, nil
}

func (t *ledgerTx) LockInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id::text = $1 FOR UPDATE`, id)
	inv, err := scanInvoice(row, id)
	if err != nil {
		return nil, translate(err)
	}
	return inv, nil
}

func (t *ledgerTx) SetInvoiceGatewayRef(ctx context.Context, id, ref string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE invoices SET gateway_ref = $2 WHERE id::text = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("failed to set gateway reference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrInvoiceNotFound.Withf("invoice %s not found", id)
	}
	return nil
}

func (t *ledgerTx) TransitionInvoice(ctx context.Context, id string, to billing.InvoiceStatus, at time.Time) error {
	if !to.IsTerminal() {
		return billing.ErrInvoiceNotPending.Withf("cannot move invoice %s to %s", id, to)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2,
			settled_at = $3,
			paid_at = CASE WHEN $2 = 'paid' THEN $3 ELSE paid_at END
		WHERE id::text = $1 AND status = 'pending'
	`, id, string(to), at)
	if err != nil {
		return fmt.Errorf("failed to transition invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id::text = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrInvoiceNotFound.Withf("invoice %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read invoice status: %w", err)
	}
	return billing.ErrInvoiceNotPending.Withf("invoice %s is %s", id, current)
}

func (t *ledgerTx) AppendWalletTransaction(ctx context.Context, txn *billing.WalletTransaction) error {
	createdAt := txn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions (tenant_id, amount, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, txn.TenantID, txn.Amount, txn.Reason, nullString(txn.Reference), createdAt).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append wallet transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getPlan(ctx context.Context, q queryer, code string) (*billing.Plan, error) {
	row := q.QueryRowContext(ctx, `
		SELECT code, name, price, currency, billing_interval, limits, created_at
		FROM plans
		WHERE code = $1
	`, code)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPlanNotFound.Withf("plan %q not found", code)
	}
	return p, err
}

func scanPlan(row rowScanner) (*billing.Plan, error) {
	var (
		p        billing.Plan
		interval string
		limits   []byte
	)
	if err := row.Scan(&p.Code, &p.Name, &p.Price, &p.Currency, &interval, &limits, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	p.Interval = billing.BillingInterval(interval)
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &p.Limits); err != nil {
			return nil, fmt.Errorf("failed to decode plan limits: %w", err)
		}
	}
	return &p, nil
}

func scanSubscription(row rowScanner, tenantID int64) (*billing.Subscription, error) {
	var (
		sub    billing.Subscription
		status string
	)
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.PlanCode, &status, &sub.CycleStart, &sub.CycleEnd,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound.Withf("tenant %d has no subscription", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Status = billing.SubscriptionStatus(status)
	return &sub, nil
}

func scanInvoice(row rowScanner, ref string) (*billing.Invoice, error) {
	var (
		inv                    billing.Invoice
		subID, subVersion      sql.NullInt64
		typ, status            string
		gatewayRef, targetPlan sql.NullString
		paidAt, settledAt      sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &subID, &typ, &inv.Amount, &inv.Currency, &status,
		&inv.Gateway, &gatewayRef, &targetPlan, &subVersion, &inv.IssuedAt, &paidAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound.Withf("no invoice matches %q", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	inv.Type = billing.InvoiceType(typ)
	inv.Status = billing.InvoiceStatus(status)
	inv.GatewayRef = gatewayRef.String
	inv.TargetPlanCode = targetPlan.String
	inv.SubscriptionVersion = subVersion.Int64
	if subID.Valid {
		inv.SubscriptionID = &subID.Int64
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	if settledAt.Valid {
		inv.SettledAt = &settledAt.Time
	}
	return &inv, nil
}

func collectInvoices(rows *sql.Rows) ([]*billing.Invoice, error) {
	defer rows.Close()

	var invoices []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows, "")
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// translate maps lock and serialization failures to ErrConcurrentChange
func translate(err error) error {
	switch pqCode(err) {
	case pqLockNotAvailable, pqSerializationFailure, pqDeadlockDetected:
		return billing.ErrConcurrentChange.With(err)
	}
	return err
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
