package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// NotificationStatus is the payment state a gateway reports
type NotificationStatus string

const (
	NotificationPaid    NotificationStatus = "PAID"
	NotificationExpired NotificationStatus = "EXPIRED"
	NotificationFailed  NotificationStatus = "FAILED"
	NotificationPending NotificationStatus = "UNPAID"
)

// ChargeRequest asks a gateway for a payment session
type ChargeRequest struct {
	InvoiceID   string
	TenantID    int64
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// ChargeSession is what the customer needs to complete payment
type ChargeSession struct {
	Token      string
	Reference  string
	PaymentURL string
	ExpiresAt  *time.Time
}

// Notification is a parsed webhook payload
type Notification struct {
	EventID   string
	Reference string
	// InvoiceID is our invoice id as echoed back by the gateway, if it
	// reports one separately from Reference
	InvoiceID string
	Status    NotificationStatus
	// Amount is zero when the gateway does not report one
	Amount decimal.Decimal
}

// Gateway is the payment gateway client the core depends on
type Gateway interface {
	Name() string
	CreateChargeSession(ctx context.Context, req ChargeRequest) (*ChargeSession, error)
	VerifySignature(ctx context.Context, payload []byte, token string) (bool, error)
	ParseNotification(payload []byte) (*Notification, error)
}

type timeoutGateway struct {
	Gateway
	timeout time.Duration
}

// WithTimeout bounds every network call made through g
func WithTimeout(g Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return g
	}
	return &timeoutGateway{Gateway: g, timeout: timeout}
}

func (g *timeoutGateway) CreateChargeSession(ctx context.Context, req ChargeRequest) (*ChargeSession, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	session, err := g.Gateway.CreateChargeSession(ctx, req)
	if err != nil {
		return nil, classifyGatewayError(ctx, err)
	}
	return session, nil
}

func (g *timeoutGateway) VerifySignature(ctx context.Context, payload []byte, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ok, err := g.Gateway.VerifySignature(ctx, payload, token)
	if err != nil {
		return false, classifyGatewayError(ctx, err)
	}
	return ok, nil
}

func classifyGatewayError(ctx context.Context, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrGatewayTimeout.With(err)
	}
	return ErrGatewayUnavailable.With(err)
}

// Gateways resolves a gateway by name
type Gateways map[string]Gateway

// NewGateways indexes gateways by Name
func NewGateways(gateways ...Gateway) Gateways {
	gs := make(Gateways, len(gateways))
	for _, g := range gateways {
		gs[g.Name()] = g
	}
	return gs
}

// Get returns the named gateway or ErrUnknownGateway
func (gs Gateways) Get(name string) (Gateway, error) {
	g, ok := gs[name]
	if !ok {
		return nil, ErrUnknownGateway.Withf("payment gateway %q not configured", name)
	}
	return g, nil
}

// Names returns the configured gateway names in sorted order
func (gs Gateways) Names() []string {
	names := make([]string, 0, len(gs))
	for name := range gs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (gs Gateways) String() string {
	return fmt.Sprintf("%v", gs.Names())
}
