// Package memory is an in-process billing.Store for tests and single-node
// development. Transactions serialize on one mutex and apply to a private
// copy of the ledger that replaces the live one on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/settle/pkg/billing"
)

type state struct {
	plans     map[string]billing.Plan
	subs      map[int64]billing.Subscription
	invoices  map[string]billing.Invoice
	wallet    []billing.WalletTransaction
	nextSubID int64
	nextTxnID int64
}

func newState() *state {
	return &state{
		plans:    make(map[string]billing.Plan),
		subs:     make(map[int64]billing.Subscription),
		invoices: make(map[string]billing.Invoice),
	}
}

func (s *state) clone() *state {
	c := &state{
		plans:     make(map[string]billing.Plan, len(s.plans)),
		subs:      make(map[int64]billing.Subscription, len(s.subs)),
		invoices:  make(map[string]billing.Invoice, len(s.invoices)),
		wallet:    make([]billing.WalletTransaction, len(s.wallet)),
		nextSubID: s.nextSubID,
		nextTxnID: s.nextTxnID,
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	copy(c.wallet, s.wallet)
	return c
}

// LedgerStore implements billing.Store in memory
type LedgerStore struct {
	mu     sync.Mutex
	state  *state
	events map[string]billing.WebhookEvent
}

var _ billing.Store = (*LedgerStore)(nil)

// NewLedgerStore creates an empty store
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		state:  newState(),
		events: make(map[string]billing.WebhookEvent),
	}
}

func (s *LedgerStore) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPlan(s.state, code)
}

func (s *LedgerStore) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plans := make([]*billing.Plan, 0, len(s.state.plans))
	for _, p := range s.state.plans {
		p := p
		plans = append(plans, &p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if !plans[i].Price.Equal(plans[j].Price) {
			return plans[i].Price.LessThan(plans[j].Price)
		}
		return plans[i].Code < plans[j].Code
	})
	return plans, nil
}

func (s *LedgerStore) CreatePlan(ctx context.Context, plan *billing.Plan) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.plans[plan.Code]; ok {
		return false, nil
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	s.state.plans[plan.Code] = *plan
	return true, nil
}

func (s *LedgerStore) GetSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getSubscription(s.state, tenantID)
}

func (s *LedgerStore) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.subs[sub.TenantID]; ok {
		return billing.ErrSubscriptionExists
	}
	if _, ok := s.state.plans[sub.PlanCode]; !ok {
		return billing.ErrPlanNotFound.Withf("plan %q not found", sub.PlanCode)
	}
	s.state.nextSubID++
	sub.ID = s.state.nextSubID
	if sub.Version == 0 {
		sub.Version = 1
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	s.state.subs[sub.TenantID] = *sub
	return nil
}

func (s *LedgerStore) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getInvoice(s.state, id)
}

func (s *LedgerStore) ListInvoices(ctx context.Context, tenantID int64, limit int) ([]*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*billing.Invoice
	for _, inv := range s.state.invoices {
		if inv.TenantID == tenantID {
			inv := inv
			out = append(out, &inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return truncate(out, limit), nil
}

func (s *LedgerStore) ListStalePendingInvoices(ctx context.Context, cutoff time.Time, limit int) ([]*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*billing.Invoice
	for _, inv := range s.state.invoices {
		if inv.Status == billing.InvoiceStatusPending && inv.IssuedAt.Before(cutoff) {
			inv := inv
			out = append(out, &inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return truncate(out, limit), nil
}

func (s *LedgerStore) WalletBalance(ctx context.Context, tenantID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := decimal.Zero
	for _, txn := range s.state.wallet {
		if txn.TenantID == tenantID {
			balance = balance.Add(txn.Amount)
		}
	}
	return balance, nil
}

func (s *LedgerStore) ListWalletTransactions(ctx context.Context, tenantID int64, limit int) ([]*billing.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*billing.WalletTransaction
	for i := len(s.state.wallet) - 1; i >= 0; i-- {
		if txn := s.state.wallet[i]; txn.TenantID == tenantID {
			out = append(out, &txn)
		}
	}
	return truncate(out, limit), nil
}

func (s *LedgerStore) RecordWebhookEvent(ctx context.Context, event *billing.WebhookEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.ID]; ok {
		return fmt.Errorf("webhook event %s already recorded", event.ID)
	}
	s.events[event.ID] = *event
	return nil
}

func (s *LedgerStore) UpdateWebhookEvent(ctx context.Context, event *billing.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.events[event.ID]
	if !ok {
		return fmt.Errorf("webhook event %s not found", event.ID)
	}
	stored.ExternalID = event.ExternalID
	stored.SignatureValid = event.SignatureValid
	stored.Status = event.Status
	stored.InvoiceID = event.InvoiceID
	stored.Message = event.Message
	stored.ProcessedAt = event.ProcessedAt
	s.events[event.ID] = stored
	return nil
}

func (s *LedgerStore) GetWebhookEvent(ctx context.Context, id string) (*billing.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("webhook event %s not found", id)
	}
	return &event, nil
}

// WebhookEvents returns every recorded delivery, oldest first
func (s *LedgerStore) WebhookEvents() []billing.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]billing.WebhookEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// WithTx runs fn against a private copy of the ledger and publishes it
// only if fn succeeds
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&ledgerTx{st: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

type ledgerTx struct {
	st *state
}

func (t *ledgerTx) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	return getPlan(t.st, code)
}

func (t *ledgerTx) LockSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
	return getSubscription(t.st, tenantID)
}

func (t *ledgerTx) UpdateSubscriptionPlan(ctx context.Context, sub *billing.Subscription, planCode string) error {
	stored, ok := t.st.subs[sub.TenantID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version {
		return billing.ErrConcurrentChange.Withf("subscription version %d is stale", sub.Version)
	}
	if _, ok := t.st.plans[planCode]; !ok {
		return billing.ErrPlanNotFound.Withf("plan %q not found", planCode)
	}
	stored.PlanCode = planCode
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	t.st.subs[sub.TenantID] = stored

	sub.PlanCode = stored.PlanCode
	sub.Version = stored.Version
	sub.UpdatedAt = stored.UpdatedAt
	return nil
}

func (t *ledgerTx) SetSubscriptionStatus(ctx context.Context, sub *billing.Subscription, to billing.SubscriptionStatus) error {
	stored, ok := t.st.subs[sub.TenantID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version {
		return billing.ErrConcurrentChange.Withf("subscription version %d is stale", sub.Version)
	}
	stored.Status = to
	stored.UpdatedAt = time.Now().UTC()
	t.st.subs[sub.TenantID] = stored

	sub.Status = stored.Status
	sub.UpdatedAt = stored.UpdatedAt
	return nil
}

func (t *ledgerTx) CreateInvoice(ctx context.Context, invoice *billing.Invoice) error {
	if _, ok := t.st.invoices[invoice.ID]; ok {
		return fmt.Errorf("invoice %s already exists", invoice.ID)
	}
	if invoice.Amount.IsNegative() {
		return billing.ErrInvalidAmount
	}
	t.st.invoices[invoice.ID] = *invoice
	return nil
}

func (t *ledgerTx) LockInvoiceByRef(ctx context.Context, gateway, ref string) (*billing.Invoice, error) {
	for _, inv := range t.st.invoices {
		if inv.Gateway == gateway && (inv.GatewayRef == ref || inv.ID == ref) && ref != "" {
			return &inv, nil
		}
	}
	return nil, billing.ErrInvoiceNotFound.Withf("no %s invoice with reference %q", gateway, ref)
}

func (t *ledgerTx) LockInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	return getInvoice(t.st, id)
}

func (t *ledgerTx) SetInvoiceGatewayRef(ctx context.Context, id, ref string) error {
	inv, ok := t.st.invoices[id]
	if !ok {
		return billing.ErrInvoiceNotFound
	}
	inv.GatewayRef = ref
	t.st.invoices[id] = inv
	return nil
}

func (t *ledgerTx) TransitionInvoice(ctx context.Context, id string, to billing.InvoiceStatus, at time.Time) error {
	inv, ok := t.st.invoices[id]
	if !ok {
		return billing.ErrInvoiceNotFound
	}
	if !inv.Status.CanTransitionTo(to) {
		return billing.ErrInvoiceNotPending.Withf("invoice %s is %s", id, inv.Status)
	}
	inv.Status = to
	inv.SettledAt = &at
	if to == billing.InvoiceStatusPaid {
		inv.PaidAt = &at
	}
	t.st.invoices[id] = inv
	return nil
}

func (t *ledgerTx) AppendWalletTransaction(ctx context.Context, txn *billing.WalletTransaction) error {
	t.st.nextTxnID++
	txn.ID = t.st.nextTxnID
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	t.st.wallet = append(t.st.wallet, *txn)
	return nil
}

func getPlan(st *state, code string) (*billing.Plan, error) {
	p, ok := st.plans[code]
	if !ok {
		return nil, billing.ErrPlanNotFound.Withf("plan %q not found", code)
	}
	return &p, nil
}

func getSubscription(st *state, tenantID int64) (*billing.Subscription, error) {
	sub, ok := st.subs[tenantID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound.Withf("tenant %d has no subscription", tenantID)
	}
	return &sub, nil
}

func getInvoice(st *state, id string) (*billing.Invoice, error) {
	inv, ok := st.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound.Withf("invoice %s not found", id)
	}
	return &inv, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
