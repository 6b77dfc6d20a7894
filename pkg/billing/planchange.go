package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/settle/pkg/observability"
)

var tracer = otel.Tracer("settle/billing")

// DefaultLockTTL bounds how long a tenant lock survives a crashed holder
const DefaultLockTTL = 30 * time.Second

// PlanChangerConfig configures a PlanChanger
type PlanChangerConfig struct {
	Store   Store
	Gateway Gateway
	Locker  Locker
	Events  EventSink
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Clock   Clock
	LockTTL time.Duration
}

// PlanChanger previews and executes plan changes, and issues top-up invoices
type PlanChanger struct {
	store   Store
	gateway Gateway
	locker  Locker
	events  EventSink
	logger  *observability.Logger
	metrics *observability.Metrics
	now     Clock
	lockTTL time.Duration
}

// NewPlanChanger creates a PlanChanger. Store and Gateway are required.
func NewPlanChanger(cfg PlanChangerConfig) *PlanChanger {
	pc := &PlanChanger{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		locker:  cfg.Locker,
		events:  cfg.Events,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Clock,
		lockTTL: cfg.LockTTL,
	}
	if pc.locker == nil {
		pc.locker = NoopLocker{}
	}
	if pc.events == nil {
		pc.events = NopSink{}
	}
	if pc.logger == nil {
		pc.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if pc.now == nil {
		pc.now = time.Now
	}
	if pc.lockTTL <= 0 {
		pc.lockTTL = DefaultLockTTL
	}
	return pc
}

// Preview quotes a plan change without mutating anything
func (pc *PlanChanger) Preview(ctx context.Context, tenantID int64, targetPlanCode string) (*PlanChangeQuote, error) {
	ctx, span := tracer.Start(ctx, "PlanChanger.Preview", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
		attribute.String("plan.target", targetPlanCode),
	))
	defer span.End()

	sub, err := pc.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, pc.fail(ctx, span, "preview", tenantID, targetPlanCode, err)
	}

	quote, err := pc.quote(ctx, pc.store.GetPlan, sub, targetPlanCode, pc.now())
	if err != nil {
		return nil, pc.fail(ctx, span, "preview", tenantID, targetPlanCode, err)
	}

	span.SetAttributes(attribute.String("plan.direction", string(quote.Proration.Direction)))
	return quote, nil
}

// Execute applies a plan change. Upgrades create a pending invoice and a
// charge session and hold the subscription in pending_change; the plan
// moves only when the payment settles.
// Downgrades swap the plan and credit the wallet in one transaction.
func (pc *PlanChanger) Execute(ctx context.Context, tenantID int64, targetPlanCode string) (*PlanChangeOutcome, error) {
	ctx, span := tracer.Start(ctx, "PlanChanger.Execute", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
		attribute.String("plan.target", targetPlanCode),
	))
	defer span.End()
	start := time.Now()

	release, err := pc.locker.Acquire(ctx, tenantLockKey(tenantID), pc.lockTTL)
	if err != nil {
		pc.metrics.RecordLockConflict("tenant")
		return nil, pc.fail(ctx, span, "execute", tenantID, targetPlanCode, err)
	}
	defer release()

	changeID := uuid.NewString()
	now := pc.now()
	var (
		quote   *PlanChangeQuote
		invoice *Invoice
		swapped *Subscription
	)

	err = pc.store.WithTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, tenantID)
		if err != nil {
			return err
		}
		quote, err = pc.quote(ctx, tx.GetPlan, sub, targetPlanCode, now)
		if err != nil {
			return err
		}

		if quote.Proration.Direction == DirectionUpgrade {
			subID := sub.ID
			invoice = &Invoice{
				ID:                  uuid.NewString(),
				TenantID:            tenantID,
				SubscriptionID:      &subID,
				Type:                InvoiceTypePlanChange,
				Amount:              quote.Proration.AmountDue,
				Currency:            quote.Currency,
				Status:              InvoiceStatusPending,
				Gateway:             pc.gateway.Name(),
				TargetPlanCode:      targetPlanCode,
				SubscriptionVersion: sub.Version,
				IssuedAt:            now,
			}
			if err := tx.CreateInvoice(ctx, invoice); err != nil {
				return err
			}
			// no other change can be quoted until this invoice settles
			return tx.SetSubscriptionStatus(ctx, sub, SubscriptionStatusPendingChange)
		}

		if err := tx.UpdateSubscriptionPlan(ctx, sub, targetPlanCode); err != nil {
			return err
		}
		swapped = sub
		credit := quote.Proration.CreditAmount
		if credit.IsPositive() {
			return tx.AppendWalletTransaction(ctx, &WalletTransaction{
				TenantID:  tenantID,
				Amount:    credit,
				Reason:    ReasonPlanDowngrade,
				Reference: changeID,
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentChange) {
			pc.metrics.RecordLockConflict("subscription")
		}
		return nil, pc.fail(ctx, span, "execute", tenantID, targetPlanCode, err)
	}

	outcome := &PlanChangeOutcome{
		ChangeID:     changeID,
		Direction:    quote.Proration.Direction,
		AmountDue:    quote.Proration.AmountDue,
		CreditAmount: quote.Proration.CreditAmount,
	}

	if swapped != nil {
		outcome.Applied = true
		credited, _ := outcome.CreditAmount.Float64()
		pc.metrics.RecordWalletCredit(ReasonPlanDowngrade, credited)
		pc.publishDowngrade(ctx, quote, swapped, changeID, now)
		pc.metrics.ObservePlanChange(string(outcome.Direction), "applied", time.Since(start))
		pc.logger.WithFields(map[string]interface{}{
			"tenant_id":   tenantID,
			"from_plan":   quote.CurrentPlan,
			"to_plan":     quote.TargetPlan,
			"credit":      outcome.CreditAmount.String(),
			"change_id":   changeID,
			"sub_version": swapped.Version,
		}).Info("plan downgraded")
		return outcome, nil
	}

	session, err := pc.openSession(ctx, invoice, fmt.Sprintf("Upgrade to %s", targetPlanCode))
	if err != nil {
		return nil, pc.fail(ctx, span, "execute", tenantID, targetPlanCode, err)
	}

	outcome.InvoiceID = invoice.ID
	outcome.SessionToken = session.Token
	outcome.PaymentURL = session.PaymentURL
	pc.metrics.ObservePlanChange(string(outcome.Direction), "pending", time.Since(start))
	pc.logger.WithFields(map[string]interface{}{
		"tenant_id":  tenantID,
		"from_plan":  quote.CurrentPlan,
		"to_plan":    quote.TargetPlan,
		"amount_due": outcome.AmountDue.String(),
		"invoice_id": invoice.ID,
	}).Info("plan upgrade awaiting payment")
	return outcome, nil
}

// Topup issues a pending top-up invoice and a charge session for it
func (pc *PlanChanger) Topup(ctx context.Context, tenantID int64, amount decimal.Decimal) (*TopupOutcome, error) {
	ctx, span := tracer.Start(ctx, "PlanChanger.Topup", trace.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
	))
	defer span.End()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	sub, err := pc.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, pc.fail(ctx, span, "topup", tenantID, "", err)
	}
	plan, err := pc.store.GetPlan(ctx, sub.PlanCode)
	if err != nil {
		return nil, pc.fail(ctx, span, "topup", tenantID, "", err)
	}

	invoice := &Invoice{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Type:     InvoiceTypeTopup,
		Amount:   amount.Round(moneyPlaces),
		Currency: plan.Currency,
		Status:   InvoiceStatusPending,
		Gateway:  pc.gateway.Name(),
		IssuedAt: pc.now(),
	}
	if err := pc.store.WithTx(ctx, func(tx Tx) error {
		return tx.CreateInvoice(ctx, invoice)
	}); err != nil {
		return nil, pc.fail(ctx, span, "topup", tenantID, "", err)
	}

	session, err := pc.openSession(ctx, invoice, "Wallet top-up")
	if err != nil {
		return nil, pc.fail(ctx, span, "topup", tenantID, "", err)
	}

	return &TopupOutcome{
		InvoiceID:    invoice.ID,
		SessionToken: session.Token,
		PaymentURL:   session.PaymentURL,
		Amount:       invoice.Amount,
	}, nil
}

// quote loads both plans through getPlan and runs the calculator
func (pc *PlanChanger) quote(ctx context.Context, getPlan func(context.Context, string) (*Plan, error), sub *Subscription, targetPlanCode string, now time.Time) (*PlanChangeQuote, error) {
	if sub.Status != SubscriptionStatusActive {
		return nil, ErrSubscriptionInactive.Withf("subscription is %s", sub.Status)
	}

	current, err := getPlan(ctx, sub.PlanCode)
	if err != nil {
		return nil, err
	}
	target, err := getPlan(ctx, targetPlanCode)
	if err != nil {
		return nil, err
	}

	result, err := Calculate(*current, *target, sub.CycleStart, sub.CycleEnd, now)
	if err != nil {
		return nil, err
	}

	return &PlanChangeQuote{
		TenantID:    sub.TenantID,
		CurrentPlan: current.Code,
		TargetPlan:  target.Code,
		Currency:    target.Currency,
		CycleStart:  sub.CycleStart,
		CycleEnd:    sub.CycleEnd,
		QuotedAt:    now,
		Proration:   result,
	}, nil
}

// openSession asks the gateway for a charge session for a committed pending
// invoice and records the gateway reference. A gateway failure fails the
// invoice unless the caller went away, in which case it stays pending.
func (pc *PlanChanger) openSession(ctx context.Context, invoice *Invoice, description string) (*ChargeSession, error) {
	session, err := pc.gateway.CreateChargeSession(ctx, ChargeRequest{
		InvoiceID:   invoice.ID,
		TenantID:    invoice.TenantID,
		Amount:      invoice.Amount,
		Currency:    invoice.Currency,
		Description: description,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			pc.logger.WithField("invoice_id", invoice.ID).Warn("caller canceled before gateway responded, invoice left pending")
			return nil, err
		}
		pc.failInvoice(ctx, invoice, err)
		if KindOf(err) == KindInfrastructure {
			var e *Error
			if !errors.As(err, &e) {
				err = ErrGatewayUnavailable.With(err)
			}
		}
		return nil, err
	}

	if err := pc.store.WithTx(ctx, func(tx Tx) error {
		return tx.SetInvoiceGatewayRef(ctx, invoice.ID, session.Reference)
	}); err != nil {
		// the session is live; a webhook can still match on the invoice id
		pc.logger.WithFields(map[string]interface{}{
			"invoice_id":  invoice.ID,
			"tenant_id":   invoice.TenantID,
			"gateway":     pc.gateway.Name(),
			"gateway_ref": session.Reference,
		}).WithError(err).Error("charge session created but gateway reference not stored")
		return nil, err
	}
	invoice.GatewayRef = session.Reference
	return session, nil
}

func (pc *PlanChanger) failInvoice(ctx context.Context, invoice *Invoice, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := pc.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.TransitionInvoice(ctx, invoice.ID, InvoiceStatusFailed, pc.now()); err != nil {
			return err
		}
		return releasePendingChange(ctx, tx, invoice)
	})
	log := pc.logger.WithField("invoice_id", invoice.ID).WithError(cause)
	if err != nil {
		log.WithField("transition_error", err.Error()).Error("failed to mark invoice failed after gateway error")
		return
	}
	log.Warn("invoice failed: charge session could not be created")
}

func (pc *PlanChanger) publishDowngrade(ctx context.Context, quote *PlanChangeQuote, sub *Subscription, changeID string, at time.Time) {
	pc.events.Publish(ctx, Event{
		ID:         changeID,
		Type:       EventPlanChanged,
		TenantID:   sub.TenantID,
		OccurredAt: at,
		Data: map[string]any{
			"from_plan": quote.CurrentPlan,
			"to_plan":   quote.TargetPlan,
			"direction": string(DirectionDowngrade),
		},
	})
	if quote.Proration.CreditAmount.IsPositive() {
		pc.events.Publish(ctx, Event{
			ID:         uuid.NewString(),
			Type:       EventWalletCredited,
			TenantID:   sub.TenantID,
			OccurredAt: at,
			Data: map[string]any{
				"amount":    quote.Proration.CreditAmount.String(),
				"reason":    ReasonPlanDowngrade,
				"reference": changeID,
			},
		})
	}
}

// fail classifies err, records it on the span, and logs unexpected failures
func (pc *PlanChanger) fail(ctx context.Context, span trace.Span, op string, tenantID int64, plan string, err error) error {
	err = Internal(op+" plan change", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, KindOf(err).String())
	pc.metrics.ObservePlanChange("", KindOf(err).String(), 0)

	if KindOf(err) == KindInfrastructure {
		observability.UpdateLoggerWithTraceContext(ctx, pc.logger).WithFields(map[string]interface{}{
			"operation":   op,
			"tenant_id":   tenantID,
			"target_plan": plan,
		}).WithError(err).Error("plan change failed")
	}
	return err
}

func tenantLockKey(tenantID int64) string {
	return "settle:lock:tenant:" + strconv.FormatInt(tenantID, 10)
}
