package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/settle/pkg/async"
	"github.com/platinummonkey/settle/pkg/observability"
)

const archiveTimeout = 30 * time.Second

// PayloadArchive keeps an out-of-band copy of a verbatim webhook delivery
type PayloadArchive interface {
	Archive(ctx context.Context, event *WebhookEvent) error
}

// SettlerConfig configures a Settler
type SettlerConfig struct {
	Store    Store
	Gateways Gateways
	Archive  PayloadArchive
	Events   EventSink
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Clock    Clock
}

// Settler applies gateway payment notifications to invoices, subscriptions
// and wallets
type Settler struct {
	store    Store
	gateways Gateways
	archive  PayloadArchive
	events   EventSink
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      Clock
}

// NewSettler creates a Settler
func NewSettler(cfg SettlerConfig) *Settler {
	s := &Settler{
		store:    cfg.Store,
		gateways: cfg.Gateways,
		archive:  cfg.Archive,
		events:   cfg.Events,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
	}
	if s.events == nil {
		s.events = NopSink{}
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// settlement carries what a committed transaction changed, for events
type settlement struct {
	invoice      *Invoice
	status       InvoiceStatus
	planFrom     string
	creditReason string
}

// HandleEvent records a delivery, verifies it, and settles the referenced
// invoice at most once. Deliveries for an unknown gateway are rejected with
// ErrUnknownGateway before anything is recorded. The returned error is nil
// for a rejected signature; any failure after the event was recorded is
// stored on the event and returned.
func (s *Settler) HandleEvent(ctx context.Context, d Delivery) (SettlementResult, error) {
	ctx, span := tracer.Start(ctx, "Settler.HandleEvent", trace.WithAttributes(
		attribute.String("gateway", d.Gateway),
		attribute.String("source_ip", d.SourceIP),
	))
	defer span.End()
	start := time.Now()

	gw, err := s.gateways.Get(d.Gateway)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown gateway")
		return SettlementResult{}, err
	}

	event := &WebhookEvent{
		ID:         uuid.NewString(),
		Gateway:    d.Gateway,
		Payload:    d.Payload,
		Headers:    d.Headers,
		SourceIP:   d.SourceIP,
		Status:     WebhookEventReceived,
		ReceivedAt: s.now(),
	}
	if err := s.store.RecordWebhookEvent(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record webhook event")
		return SettlementResult{}, Internal("record webhook event", err)
	}
	span.SetAttributes(attribute.String("webhook.event_id", event.ID))
	s.archiveAsync(ctx, event)

	log := observability.UpdateLoggerWithTraceContext(ctx, s.logger).WithFields(map[string]interface{}{
		"event_id": event.ID,
		"gateway":  d.Gateway,
	})

	result, err := s.settle(ctx, gw, d, event)
	outcome := "processed"
	switch {
	case err != nil:
		outcome = KindOf(err).String()
		event.Status = WebhookEventFailed
		event.Message = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case !result.Success:
		outcome = "rejected"
		event.Status = WebhookEventFailed
		event.Message = result.Message
	case result.Idempotent:
		outcome = "idempotent"
		event.Status = WebhookEventProcessed
		event.Message = result.Message
	default:
		event.Status = WebhookEventProcessed
		event.Message = result.Message
	}
	processedAt := s.now()
	event.ProcessedAt = &processedAt

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if uerr := s.store.UpdateWebhookEvent(updateCtx, event); uerr != nil {
		log.WithError(uerr).Error("failed to update webhook event status")
		if err == nil {
			err = Internal("update webhook event", uerr)
		}
	}

	s.metrics.ObserveWebhook(d.Gateway, outcome, time.Since(start))
	result.EventID = event.ID
	result.InvoiceID = event.InvoiceID

	if err != nil {
		entry := log.WithError(err).WithField("invoice_id", event.InvoiceID)
		if KindOf(err) == KindInfrastructure || KindOf(err) == KindConflict {
			entry.Error("webhook settlement failed")
		} else {
			entry.Warn("webhook rejected")
		}
		return result, err
	}
	log.WithFields(map[string]interface{}{
		"invoice_id": event.InvoiceID,
		"success":    result.Success,
		"idempotent": result.Idempotent,
	}).Info(result.Message)
	return result, nil
}

// settle runs verification and the settlement transaction. It mutates event
// with what it learns, and never writes the event itself.
func (s *Settler) settle(ctx context.Context, gw Gateway, d Delivery, event *WebhookEvent) (SettlementResult, error) {
	valid, err := gw.VerifySignature(ctx, d.Payload, d.Token)
	if err != nil {
		return SettlementResult{}, err
	}
	event.SignatureValid = valid
	if !valid {
		return SettlementResult{Success: false, Message: ErrInvalidSignature.Message}, nil
	}

	note, err := gw.ParseNotification(d.Payload)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return SettlementResult{}, err
		}
		return SettlementResult{}, ErrMalformedNotification.With(err)
	}
	event.ExternalID = note.EventID

	var (
		result  SettlementResult
		applied *settlement
	)
	now := s.now()
	err = s.store.WithTx(ctx, func(tx Tx) error {
		inv, err := lockNotified(ctx, tx, gw.Name(), note)
		if err != nil {
			return err
		}
		event.InvoiceID = inv.ID

		if inv.Status.IsTerminal() {
			result = SettlementResult{Success: true, Idempotent: true, Message: fmt.Sprintf("invoice already %s", inv.Status)}
			return nil
		}

		switch note.Status {
		case NotificationPaid:
			if !note.Amount.IsZero() && !note.Amount.Equal(inv.Amount) {
				return ErrAmountMismatch.Withf("reported %s, invoice %s", note.Amount.StringFixed(moneyPlaces), inv.Amount.StringFixed(moneyPlaces))
			}
			applied, err = s.applyPaid(ctx, tx, inv, now)
			if err != nil {
				return err
			}
			result = SettlementResult{Success: true, Message: "invoice paid"}
		case NotificationExpired, NotificationFailed:
			to := InvoiceStatusExpired
			if note.Status == NotificationFailed {
				to = InvoiceStatusFailed
			}
			if err := tx.TransitionInvoice(ctx, inv.ID, to, now); err != nil {
				return err
			}
			if err := releasePendingChange(ctx, tx, inv); err != nil {
				return err
			}
			inv.Status = to
			applied = &settlement{invoice: inv, status: to}
			result = SettlementResult{Success: true, Message: fmt.Sprintf("invoice %s", to)}
		case NotificationPending:
			result = SettlementResult{Success: true, Message: "payment not completed yet"}
		default:
			return ErrMalformedNotification.Withf("unknown payment status %q", note.Status)
		}
		return nil
	})
	if err != nil {
		return SettlementResult{}, Internal("settle invoice", err)
	}

	if applied != nil {
		s.publish(ctx, applied, now)
	}
	return result, nil
}

// lockNotified finds the invoice by gateway reference, then by the invoice
// id the gateway echoed back
func lockNotified(ctx context.Context, tx Tx, gateway string, note *Notification) (*Invoice, error) {
	inv, err := tx.LockInvoiceByRef(ctx, gateway, note.Reference)
	if err == nil || !errors.Is(err, ErrInvoiceNotFound) {
		return inv, err
	}
	if note.InvoiceID == "" || note.InvoiceID == note.Reference {
		return nil, err
	}
	return tx.LockInvoiceByRef(ctx, gateway, note.InvoiceID)
}

func (s *Settler) applyPaid(ctx context.Context, tx Tx, inv *Invoice, now time.Time) (*settlement, error) {
	if err := tx.TransitionInvoice(ctx, inv.ID, InvoiceStatusPaid, now); err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatusPaid
	inv.PaidAt = &now
	applied := &settlement{invoice: inv, status: InvoiceStatusPaid}

	switch inv.Type {
	case InvoiceTypePlanChange:
		sub, err := tx.LockSubscription(ctx, inv.TenantID)
		if err != nil {
			return nil, err
		}
		if !holdsSubscription(sub, inv) {
			// the subscription changed after this invoice was priced, so the
			// upgrade no longer applies and the payment is kept as credit
			if err := s.credit(ctx, tx, inv, ReasonAdjustment, now); err != nil {
				return nil, err
			}
			applied.creditReason = ReasonAdjustment
			return applied, nil
		}
		if _, err := tx.GetPlan(ctx, inv.TargetPlanCode); err != nil {
			return nil, err
		}
		applied.planFrom = sub.PlanCode
		if err := tx.UpdateSubscriptionPlan(ctx, sub, inv.TargetPlanCode); err != nil {
			return nil, err
		}
		if err := tx.SetSubscriptionStatus(ctx, sub, SubscriptionStatusActive); err != nil {
			return nil, err
		}
	case InvoiceTypeTopup:
		if err := s.credit(ctx, tx, inv, ReasonTopup, now); err != nil {
			return nil, err
		}
		applied.creditReason = ReasonTopup
	}
	return applied, nil
}

func (s *Settler) credit(ctx context.Context, tx Tx, inv *Invoice, reason string, now time.Time) error {
	return tx.AppendWalletTransaction(ctx, &WalletTransaction{
		TenantID:  inv.TenantID,
		Amount:    inv.Amount,
		Reason:    reason,
		Reference: inv.ID,
		CreatedAt: now,
	})
}

// holdsSubscription reports whether a plan-change invoice still owns the
// subscription it was priced against
func holdsSubscription(sub *Subscription, inv *Invoice) bool {
	return sub.Status == SubscriptionStatusPendingChange && sub.Version == inv.SubscriptionVersion
}

// releasePendingChange returns the subscription held by a plan-change
// invoice to active once that invoice fails or expires
func releasePendingChange(ctx context.Context, tx Tx, inv *Invoice) error {
	if inv.Type != InvoiceTypePlanChange {
		return nil
	}
	sub, err := tx.LockSubscription(ctx, inv.TenantID)
	if err != nil {
		return err
	}
	if !holdsSubscription(sub, inv) {
		return nil
	}
	return tx.SetSubscriptionStatus(ctx, sub, SubscriptionStatusActive)
}

func (s *Settler) publish(ctx context.Context, st *settlement, at time.Time) {
	inv := st.invoice
	s.metrics.RecordInvoiceTransition(string(inv.Type), string(st.status))
	s.events.Publish(ctx, Event{
		ID:         uuid.NewString(),
		Type:       invoiceEventType(st.status),
		TenantID:   inv.TenantID,
		OccurredAt: at,
		Data: map[string]any{
			"invoice_id": inv.ID,
			"type":       string(inv.Type),
			"amount":     inv.Amount.StringFixed(moneyPlaces),
			"currency":   inv.Currency,
		},
	})
	if st.planFrom != "" {
		s.events.Publish(ctx, Event{
			ID:         uuid.NewString(),
			Type:       EventPlanChanged,
			TenantID:   inv.TenantID,
			OccurredAt: at,
			Data: map[string]any{
				"from_plan":  st.planFrom,
				"to_plan":    inv.TargetPlanCode,
				"direction":  string(DirectionUpgrade),
				"invoice_id": inv.ID,
			},
		})
	}
	if st.creditReason != "" {
		amount, _ := inv.Amount.Float64()
		s.metrics.RecordWalletCredit(st.creditReason, amount)
		s.events.Publish(ctx, Event{
			ID:         uuid.NewString(),
			Type:       EventWalletCredited,
			TenantID:   inv.TenantID,
			OccurredAt: at,
			Data: map[string]any{
				"amount":    inv.Amount.StringFixed(moneyPlaces),
				"reason":    st.creditReason,
				"reference": inv.ID,
			},
		})
	}
}

func (s *Settler) archiveAsync(ctx context.Context, event *WebhookEvent) {
	if s.archive == nil {
		return
	}
	snapshot := *event
	async.SafeGo(context.WithoutCancel(ctx), archiveTimeout, "archive webhook payload", func(ctx context.Context) error {
		return s.archive.Archive(ctx, &snapshot)
	})
}
