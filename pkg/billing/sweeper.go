package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/settle/pkg/observability"
)

const defaultSweepBatch = 500

// SweepResult summarizes one expiry pass
type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
}

// Sweeper expires pending invoices that no webhook ever settled
type Sweeper struct {
	store     Store
	events    EventSink
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       Clock
	batchSize int
}

// NewSweeper creates a Sweeper. A nil events sink, logger or clock gets a default.
func NewSweeper(store Store, events EventSink, logger *observability.Logger, metrics *observability.Metrics, clock Clock) *Sweeper {
	if events == nil {
		events = NopSink{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		store:     store,
		events:    events,
		logger:    logger,
		metrics:   metrics,
		now:       clock,
		batchSize: defaultSweepBatch,
	}
}

// ExpireStale moves pending invoices issued more than olderThan ago to
// expired and releases any subscription a plan-change invoice held.
// Invoices settled concurrently are skipped.
func (s *Sweeper) ExpireStale(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "Sweeper.ExpireStale")
	defer span.End()

	var result SweepResult
	now := s.now()
	cutoff := now.Add(-olderThan)

	stale, err := s.store.ListStalePendingInvoices(ctx, cutoff, s.batchSize)
	if err != nil {
		return result, Internal("list stale invoices", err)
	}

	for _, inv := range stale {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		err := s.store.WithTx(ctx, func(tx Tx) error {
			locked, err := tx.LockInvoice(ctx, inv.ID)
			if err != nil {
				return err
			}
			if locked.Status != InvoiceStatusPending {
				return ErrInvoiceNotPending
			}
			if err := tx.TransitionInvoice(ctx, inv.ID, InvoiceStatusExpired, now); err != nil {
				return err
			}
			return releasePendingChange(ctx, tx, locked)
		})
		if errors.Is(err, ErrInvoiceNotPending) {
			result.Skipped++
			continue
		}
		if errors.Is(err, ErrConcurrentChange) {
			// subscription locked by a settlement; retried next sweep
			result.Skipped++
			continue
		}
		if err != nil {
			s.logger.WithField("invoice_id", inv.ID).WithError(err).Error("failed to expire invoice")
			return result, Internal("expire invoice", err)
		}

		result.Expired++
		s.metrics.RecordInvoiceTransition(string(inv.Type), string(InvoiceStatusExpired))
		s.events.Publish(ctx, Event{
			ID:         uuid.NewString(),
			Type:       EventInvoiceExpired,
			TenantID:   inv.TenantID,
			OccurredAt: now,
			Data: map[string]any{
				"invoice_id": inv.ID,
				"type":       string(inv.Type),
				"amount":     inv.Amount.StringFixed(moneyPlaces),
				"reason":     "unsettled",
			},
		})
	}

	s.logger.WithFields(map[string]interface{}{
		"scanned": result.Scanned,
		"expired": result.Expired,
		"skipped": result.Skipped,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("stale invoice sweep complete")
	return result, nil
}
