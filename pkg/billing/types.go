package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingInterval is the length of a plan's billing cycle
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Next returns the end of a cycle that starts at start
func (i BillingInterval) Next(start time.Time) time.Time {
	if i == IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Plan is an immutable catalog entry
type Plan struct {
	Code      string           `json:"code" yaml:"code"`
	Name      string           `json:"name" yaml:"name"`
	Price     decimal.Decimal  `json:"price" yaml:"price"`
	Currency  string           `json:"currency" yaml:"currency"`
	Interval  BillingInterval  `json:"interval" yaml:"interval"`
	Limits    map[string]int64 `json:"limits,omitempty" yaml:"limits,omitempty"`
	CreatedAt time.Time        `json:"created_at" yaml:"-"`
}

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive        SubscriptionStatus = "active"
	SubscriptionStatusPendingChange SubscriptionStatus = "pending_change"
	SubscriptionStatusCanceled      SubscriptionStatus = "canceled"
)

// Subscription is a tenant's current plan and billing cycle
type Subscription struct {
	ID         int64              `json:"id"`
	TenantID   int64              `json:"tenant_id"`
	PlanCode   string             `json:"plan_code"`
	Status     SubscriptionStatus `json:"status"`
	CycleStart time.Time          `json:"cycle_start"`
	CycleEnd   time.Time          `json:"cycle_end"`
	Version    int64              `json:"version"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// InvoiceType identifies the flow that issued an invoice
type InvoiceType string

const (
	InvoiceTypePlanChange InvoiceType = "plan_change"
	InvoiceTypeTopup      InvoiceType = "topup"
)

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusExpired InvoiceStatus = "expired"
	InvoiceStatusFailed  InvoiceStatus = "failed"
)

// IsTerminal reports whether no further transition is permitted
func (s InvoiceStatus) IsTerminal() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusExpired, InvoiceStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> to is a legal move.
// Only pending invoices move, and only to a terminal status.
func (s InvoiceStatus) CanTransitionTo(to InvoiceStatus) bool {
	return s == InvoiceStatusPending && to.IsTerminal()
}

// Invoice is a billing intent and the transactional boundary for
// "was this charge applied"
type Invoice struct {
	ID                  string          `json:"id"`
	TenantID            int64           `json:"tenant_id"`
	SubscriptionID      *int64          `json:"subscription_id,omitempty"`
	Type                InvoiceType     `json:"type"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Status              InvoiceStatus   `json:"status"`
	Gateway             string          `json:"gateway"`
	GatewayRef          string          `json:"gateway_ref,omitempty"`
	TargetPlanCode      string          `json:"target_plan_code,omitempty"`
	SubscriptionVersion int64           `json:"subscription_version,omitempty"`
	IssuedAt            time.Time       `json:"issued_at"`
	PaidAt              *time.Time      `json:"paid_at,omitempty"`
	SettledAt           *time.Time      `json:"settled_at,omitempty"`
}

// Wallet transaction reasons
const (
	ReasonPlanDowngrade = "plan_downgrade"
	ReasonTopup         = "topup"
	ReasonAdjustment    = "adjustment"
)

// WalletTransaction is an append-only ledger entry. Credits are positive.
type WalletTransaction struct {
	ID        int64           `json:"id"`
	TenantID  int64           `json:"tenant_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// WebhookEventStatus is the processing state of an inbound notification
type WebhookEventStatus string

const (
	WebhookEventReceived  WebhookEventStatus = "received"
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is the audit record of one inbound gateway delivery.
// Payload and Headers are stored exactly as received.
type WebhookEvent struct {
	ID             string              `json:"id"`
	Gateway        string              `json:"gateway"`
	ExternalID     string              `json:"external_id,omitempty"`
	Payload        []byte              `json:"payload"`
	Headers        map[string][]string `json:"headers"`
	SourceIP       string              `json:"source_ip"`
	SignatureValid bool                `json:"signature_valid"`
	Status         WebhookEventStatus  `json:"status"`
	InvoiceID      string              `json:"invoice_id,omitempty"`
	Message        string              `json:"message,omitempty"`
	ReceivedAt     time.Time           `json:"received_at"`
	ProcessedAt    *time.Time          `json:"processed_at,omitempty"`
}

// Direction of a plan change
type Direction string

const (
	DirectionUpgrade   Direction = "upgrade"
	DirectionDowngrade Direction = "downgrade"
)

// ProrationResult is the cost or credit of switching plans mid-cycle
type ProrationResult struct {
	Direction       Direction       `json:"direction"`
	AmountDue       decimal.Decimal `json:"amount_due"`
	CreditAmount    decimal.Decimal `json:"credit_amount"`
	ElapsedFraction decimal.Decimal `json:"elapsed_fraction"`
	UnusedValue     decimal.Decimal `json:"unused_value"`
}

// PlanChangeQuote is what Preview returns
type PlanChangeQuote struct {
	TenantID    int64           `json:"tenant_id"`
	CurrentPlan string          `json:"current_plan"`
	TargetPlan  string          `json:"target_plan"`
	Currency    string          `json:"currency"`
	CycleStart  time.Time       `json:"cycle_start"`
	CycleEnd    time.Time       `json:"cycle_end"`
	QuotedAt    time.Time       `json:"quoted_at"`
	Proration   ProrationResult `json:"proration"`
}

// PlanChangeOutcome is what Execute returns. Upgrades carry a session,
// downgrades carry the credited amount.
type PlanChangeOutcome struct {
	ChangeID     string          `json:"change_id"`
	Direction    Direction       `json:"direction"`
	InvoiceID    string          `json:"invoice_id,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
	PaymentURL   string          `json:"payment_url,omitempty"`
	AmountDue    decimal.Decimal `json:"amount_due"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
	Applied      bool            `json:"applied"`
}

// TopupOutcome is what Topup returns
type TopupOutcome struct {
	InvoiceID    string          `json:"invoice_id"`
	SessionToken string          `json:"session_token"`
	PaymentURL   string          `json:"payment_url,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

// Delivery is one inbound webhook request as seen by the HTTP layer
type Delivery struct {
	Gateway  string
	Payload  []byte
	Headers  map[string][]string
	SourceIP string
	Token    string
}

// SettlementResult is the outcome of handling one delivery
type SettlementResult struct {
	Success    bool   `json:"success"`
	Idempotent bool   `json:"idempotent"`
	Message    string `json:"message"`
	EventID    string `json:"event_id,omitempty"`
	InvoiceID  string `json:"invoice_id,omitempty"`
}

// Wallet is a tenant balance with its most recent entries
type Wallet struct {
	TenantID     int64                `json:"tenant_id"`
	Balance      decimal.Decimal      `json:"balance"`
	Transactions []*WalletTransaction `json:"transactions"`
}
