package billing

import (
	"context"
	"time"
)

// EventType names a committed billing state change
type EventType string

const (
	EventInvoicePaid    EventType = "invoice.paid"
	EventInvoiceExpired EventType = "invoice.expired"
	EventInvoiceFailed  EventType = "invoice.failed"
	EventPlanChanged    EventType = "plan.changed"
	EventWalletCredited EventType = "wallet.credited"
)

// Event is published after the transaction that caused it commits
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	TenantID   int64          `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// EventSink receives committed billing events. Publish must not block the
// caller on delivery.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// NopSink discards events
type NopSink struct{}

// Publish implements EventSink
func (NopSink) Publish(context.Context, Event) {}

func invoiceEventType(status InvoiceStatus) EventType {
	switch status {
	case InvoiceStatusPaid:
		return EventInvoicePaid
	case InvoiceStatusExpired:
		return EventInvoiceExpired
	default:
		return EventInvoiceFailed
	}
}
