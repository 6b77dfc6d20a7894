package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the durable ledger. Implementations must make every Tx atomic
// and must never expose an update or delete path for wallet transactions
// or webhook events beyond the status fields below.
type Store interface {
	GetPlan(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	// CreatePlan inserts a new catalog entry. Existing codes are left untouched.
	CreatePlan(ctx context.Context, plan *Plan) (created bool, err error)

	GetSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error

	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID int64, limit int) ([]*Invoice, error)
	// ListStalePendingInvoices returns pending invoices issued before cutoff
	ListStalePendingInvoices(ctx context.Context, cutoff time.Time, limit int) ([]*Invoice, error)

	WalletBalance(ctx context.Context, tenantID int64) (decimal.Decimal, error)
	ListWalletTransactions(ctx context.Context, tenantID int64, limit int) ([]*WalletTransaction, error)

	// RecordWebhookEvent is a single durable write that must succeed before
	// any verification or business logic runs
	RecordWebhookEvent(ctx context.Context, event *WebhookEvent) error
	// UpdateWebhookEvent persists status, signature, linkage and message fields
	UpdateWebhookEvent(ctx context.Context, event *WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// WithTx runs fn in one transaction, committing when fn returns nil
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations that must run inside a transaction
type Tx interface {
	GetPlan(ctx context.Context, code string) (*Plan, error)

	// LockSubscription takes an exclusive lock on the tenant's subscription
	// without waiting. A held lock yields ErrConcurrentChange.
	LockSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
	// UpdateSubscriptionPlan swaps the plan if sub.Version still matches the
	// stored version, then increments it
	UpdateSubscriptionPlan(ctx context.Context, sub *Subscription, planCode string) error
	// SetSubscriptionStatus changes the status if sub.Version still matches.
	// The version is left as is.
	SetSubscriptionStatus(ctx context.Context, sub *Subscription, to SubscriptionStatus) error

	CreateInvoice(ctx context.Context, invoice *Invoice) error
	// LockInvoiceByRef locks the invoice matching a gateway reference,
	// waiting for concurrent holders
	LockInvoiceByRef(ctx context.Context, gateway, ref string) (*Invoice, error)
	LockInvoice(ctx context.Context, id string) (*Invoice, error)
	SetInvoiceGatewayRef(ctx context.Context, id, ref string) error
	// TransitionInvoice moves a pending invoice to a terminal status.
	// Any other starting status yields ErrInvoiceNotPending.
	TransitionInvoice(ctx context.Context, id string, to InvoiceStatus, at time.Time) error

	AppendWalletTransaction(ctx context.Context, txn *WalletTransaction) error
}

// Locker provides short-lived mutual exclusion across processes
type Locker interface {
	// Acquire returns a release func, or ErrConcurrentChange if the key is held
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Clock returns the current time. Services take one so quotes and
// executions can be pinned to the same instant.
type Clock func() time.Time

// NoopLocker always grants the lock. Row locks in the store still apply.
type NoopLocker struct{}

// Acquire implements Locker
func (NoopLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
