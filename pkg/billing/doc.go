// Package billing reconciles tenant plan changes with asynchronous payment
// gateway settlement.
//
// # Overview
//
// Two independent sources mutate billing state: a tenant asking to change
// plan, and a gateway reporting that an invoice was paid, expired or failed.
// Both converge on one ledger: the active Subscription, the Invoices issued
// for it, and an append-only wallet of WalletTransactions.
//
// # Plan changes
//
// PlanChanger.Preview quotes a change without touching anything.
// PlanChanger.Execute recomputes the same quote under a tenant lock:
//
//   - upgrades create a pending plan_change Invoice and a gateway charge
//     session; the subscription moves only when the payment settles
//   - downgrades swap the plan and credit the unused difference to the
//     wallet in one transaction
//
// # Settlement
//
// Settler.HandleEvent records every delivery before anything else, verifies
// the signature, then locks the referenced invoice. An invoice that already
// left pending is never touched again, so replayed deliveries are no-ops.
//
//	result, err := settler.HandleEvent(ctx, billing.Delivery{
//		Gateway: "callback",
//		Payload: body,
//		Headers: r.Header,
//		Token:   r.Header.Get("X-Callback-Signature"),
//	})
//
// # Errors
//
// Every failure carries a Kind. Business rule and not-found errors are safe
// to show to callers; anything else is KindInfrastructure.
//
//	if billing.KindOf(err) == billing.KindConflict {
//		// retry later
//	}
package billing
