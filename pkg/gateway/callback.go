package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/observability"
)

// CallbackName is the registered name of the callback gateway
const CallbackName = "callback"

// CallbackSignatureHeader carries the HMAC of the raw notification body
const CallbackSignatureHeader = "X-Callback-Signature"

// CallbackConfig configures a CallbackGateway
type CallbackConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// ReturnURL is where the hosted payment page sends the customer afterwards
	ReturnURL string
	Client    *http.Client
	Metrics   *observability.Metrics
}

// CallbackGateway talks to a hosted-payment-page provider over JSON/HTTP.
// Sessions are created with POST {BaseURL}/v1/sessions and settlement is
// reported back through signed notifications.
type CallbackGateway struct {
	baseURL   string
	apiKey    string
	secret    []byte
	returnURL string
	client    *http.Client
	metrics   *observability.Metrics
}

var _ billing.Gateway = (*CallbackGateway)(nil)

// NewCallbackGateway creates a callback gateway
func NewCallbackGateway(cfg CallbackConfig) *CallbackGateway {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CallbackGateway{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		secret:    []byte(cfg.WebhookSecret),
		returnURL: cfg.ReturnURL,
		client:    client,
		metrics:   cfg.Metrics,
	}
}

// Name implements billing.Gateway
func (g *CallbackGateway) Name() string { return CallbackName }

type sessionRequest struct {
	Reference   string          `json:"reference"`
	Customer    string          `json:"customer"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	ReturnURL   string          `json:"return_url,omitempty"`
}

type sessionResponse struct {
	ID         string     `json:"id"`
	Token      string     `json:"token"`
	PaymentURL string     `json:"payment_url"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// CreateChargeSession implements billing.Gateway. Our invoice ID is sent as
// the reference so notifications can be matched even before the session
// reference is stored.
func (g *CallbackGateway) CreateChargeSession(ctx context.Context, req billing.ChargeRequest) (session *billing.ChargeSession, err error) {
	start := time.Now()
	defer func() { g.metrics.ObserveGatewayRequest(CallbackName, "create_session", err, time.Since(start)) }()

	body, err := json.Marshal(sessionRequest{
		Reference:   req.InvoiceID,
		Customer:    fmt.Sprintf("tenant-%d", req.TenantID),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		ReturnURL:   g.returnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.InvoiceID)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach payment gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("payment gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("payment gateway returned a session without a token")
	}

	return &billing.ChargeSession{
		Token:      out.Token,
		Reference:  out.ID,
		PaymentURL: out.PaymentURL,
		ExpiresAt:  out.ExpiresAt,
	}, nil
}

// VerifySignature implements billing.Gateway. token is the value of the
// X-Callback-Signature header.
func (g *CallbackGateway) VerifySignature(_ context.Context, payload []byte, token string) (bool, error) {
	if len(g.secret) == 0 || token == "" {
		return false, nil
	}
	expected := SignCallback(payload, g.secret)
	return hmac.Equal([]byte(expected), []byte(token)), nil
}

type callbackNotification struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Reference string              `json:"reference"`
	Status    string              `json:"status"`
	Amount    decimal.NullDecimal `json:"amount"`
}

// ParseNotification implements billing.Gateway. The session ID is preferred
// over our echoed reference when both are present.
func (g *CallbackGateway) ParseNotification(payload []byte) (*billing.Notification, error) {
	var n callbackNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, billing.ErrMalformedNotification.With(err)
	}

	ref := n.SessionID
	if ref == "" {
		ref = n.Reference
	}
	if ref == "" {
		return nil, billing.ErrMalformedNotification.Withf("notification %q has no reference", n.ID)
	}

	out := &billing.Notification{
		EventID:   n.ID,
		Reference: ref,
		Status:    normalizeStatus(n.Status),
	}
	if n.Amount.Valid {
		out.Amount = n.Amount.Decimal
	}
	return out, nil
}

// normalizeStatus maps provider vocabularies onto the four notification
// states. Unknown values pass through so the settler can reject them.
func normalizeStatus(s string) billing.NotificationStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAID", "SETTLED", "SUCCEEDED", "COMPLETED":
		return billing.NotificationPaid
	case "EXPIRED":
		return billing.NotificationExpired
	case "FAILED", "CANCELED", "CANCELLED", "DECLINED":
		return billing.NotificationFailed
	case "UNPAID", "PENDING", "OPEN":
		return billing.NotificationPending
	}
	return billing.NotificationStatus(s)
}

// SignCallback returns the X-Callback-Signature value for payload
func SignCallback(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
