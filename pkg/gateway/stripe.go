package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/observability"
)

// StripeName is the registered name of the Stripe gateway
const StripeName = "stripe"

// StripeSignatureHeader carries Stripe's timestamped webhook signature
const StripeSignatureHeader = "Stripe-Signature"

// StripeConfig configures a StripeGateway
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// BackendURL overrides the Stripe API base, for stripe-mock and tests
	BackendURL string
	Metrics    *observability.Metrics
}

// StripeGateway charges through Stripe Checkout in payment mode. Each
// invoice becomes one session with a single ad-hoc line item.
type StripeGateway struct {
	sessions      session.Client
	webhookSecret string
	successURL    string
	cancelURL     string
	metrics       *observability.Metrics
}

var _ billing.Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a Stripe gateway with its own backend, leaving
// the package-level stripe.Key untouched
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(2),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}

	return &StripeGateway{
		sessions: session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.APIKey,
		},
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		metrics:       cfg.Metrics,
	}
}

// Name implements billing.Gateway
func (g *StripeGateway) Name() string { return StripeName }

// CreateChargeSession implements billing.Gateway
func (g *StripeGateway) CreateChargeSession(ctx context.Context, req billing.ChargeRequest) (cs *billing.ChargeSession, err error) {
	start := time.Now()
	defer func() { g.metrics.ObserveGatewayRequest(StripeName, "create_session", err, time.Since(start)) }()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.InvoiceID),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(toMinorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
		Metadata: map[string]string{
			"invoice_id": req.InvoiceID,
			"tenant_id":  strconv.FormatInt(req.TenantID, 10),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.InvoiceID)

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe checkout session: %w", err)
	}

	out := &billing.ChargeSession{
		Token:      s.ID,
		Reference:  s.ID,
		PaymentURL: s.URL,
	}
	if s.ExpiresAt > 0 {
		t := time.Unix(s.ExpiresAt, 0).UTC()
		out.ExpiresAt = &t
	}
	return out, nil
}

// VerifySignature implements billing.Gateway. token is the Stripe-Signature
// header; timestamps outside Stripe's default tolerance are rejected.
func (g *StripeGateway) VerifySignature(_ context.Context, payload []byte, token string) (bool, error) {
	if g.webhookSecret == "" || token == "" {
		return false, nil
	}
	return webhook.ValidatePayload(payload, token, g.webhookSecret) == nil, nil
}

// ParseNotification implements billing.Gateway for checkout.session events.
// The session id is the reference; the invoice id set at session creation
// is carried as a fallback for sessions whose id was never stored.
func (g *StripeGateway) ParseNotification(payload []byte) (*billing.Notification, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, billing.ErrMalformedNotification.With(err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, billing.ErrMalformedNotification.Withf("stripe event %q has no data", event.ID)
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, billing.ErrMalformedNotification.With(err)
	}
	if s.ID == "" {
		return nil, billing.ErrMalformedNotification.Withf("stripe event %q is not a checkout session", event.ID)
	}

	n := &billing.Notification{
		EventID:   event.ID,
		Reference: s.ID,
		InvoiceID: s.ClientReferenceID,
		Status:    checkoutStatus(event.Type, s.PaymentStatus),
	}
	if n.InvoiceID == "" {
		n.InvoiceID = s.Metadata["invoice_id"]
	}
	if s.AmountTotal > 0 {
		n.Amount = decimal.New(s.AmountTotal, -2)
	}
	return n, nil
}

func checkoutStatus(t stripe.EventType, paid stripe.CheckoutSessionPaymentStatus) billing.NotificationStatus {
	switch t {
	case stripe.EventTypeCheckoutSessionCompleted:
		if paid == stripe.CheckoutSessionPaymentStatusPaid || paid == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return billing.NotificationPaid
		}
		return billing.NotificationPending
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		return billing.NotificationPaid
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		return billing.NotificationFailed
	case stripe.EventTypeCheckoutSessionExpired:
		return billing.NotificationExpired
	}
	return billing.NotificationStatus(t)
}

// toMinorUnits converts a two-place amount to cents
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
