package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/middleware"
)

func postWebhook(env *testEnv, gateway string, payload []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+gateway, bytes.NewReader(payload))
	req.RemoteAddr = "198.51.100.20:4444"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_PassesDeliveryVerbatim(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte(`{"id":"n1", "reference":"ref-1",  "status":"PAID"}`)

	rec := postWebhook(env, "callback", payload, map[string]string{
		"X-Callback-Signature": "sig",
		"X-Extra":              "kept",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.settler.deliveries, 1)
	d := env.settler.deliveries[0]
	assert.Equal(t, "callback", d.Gateway)
	assert.Equal(t, payload, d.Payload)
	assert.Equal(t, "sig", d.Token)
	assert.Equal(t, "198.51.100.20", d.SourceIP)
	assert.Equal(t, []string{"kept"}, d.Headers["X-Extra"])

	var result billing.SettlementResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "evt-1", result.EventID)
}

func TestWebhook_StripeSignatureHeader(t *testing.T) {
	env := newTestEnv(t)
	postWebhook(env, "stripe", []byte(`{}`), map[string]string{
		"Stripe-Signature":     "t=1,v1=abc",
		"X-Callback-Signature": "ignored",
	})
	require.Len(t, env.settler.deliveries, 1)
	assert.Equal(t, "t=1,v1=abc", env.settler.deliveries[0].Token)
}

func TestWebhook_StatusPolicy(t *testing.T) {
	tests := []struct {
		name             string
		result           billing.SettlementResult
		err              error
		retryOnTransient bool
		wantStatus       int
		wantMessage      string
	}{
		{
			name:       "invalid signature is a business outcome",
			result:     billing.SettlementResult{Success: false, Message: billing.ErrInvalidSignature.Message, EventID: "evt"},
			wantStatus: http.StatusOK,
		},
		{
			name:        "unknown invoice",
			result:      billing.SettlementResult{EventID: "evt"},
			err:         billing.ErrInvoiceNotFound,
			wantStatus:  http.StatusOK,
			wantMessage: billing.ErrInvoiceNotFound.Message,
		},
		{
			name:        "amount mismatch",
			result:      billing.SettlementResult{EventID: "evt"},
			err:         billing.ErrAmountMismatch.Withf("reported 1.00, invoice 2.00"),
			wantStatus:  http.StatusOK,
			wantMessage: "reported 1.00, invoice 2.00",
		},
		{
			name:             "database failure requests redelivery",
			result:           billing.SettlementResult{EventID: "evt"},
			err:              billing.Internal("settle invoice", errors.New("connection reset")),
			retryOnTransient: true,
			wantStatus:       http.StatusServiceUnavailable,
		},
		{
			name:             "gateway timeout requests redelivery",
			result:           billing.SettlementResult{EventID: "evt"},
			err:              billing.ErrGatewayTimeout,
			retryOnTransient: true,
			wantStatus:       http.StatusServiceUnavailable,
		},
		{
			name:        "database failure acknowledged when redelivery disabled",
			result:      billing.SettlementResult{EventID: "evt"},
			err:         billing.Internal("settle invoice", errors.New("connection reset")),
			wantStatus:  http.StatusOK,
			wantMessage: "notification could not be processed",
		},
		{
			name:             "event not recorded",
			err:              billing.Internal("record webhook event", errors.New("disk full")),
			retryOnTransient: true,
			wantStatus:       http.StatusInternalServerError,
		},
		{
			name:             "unknown gateway is rejected before logging",
			result:           billing.SettlementResult{},
			err:              billing.ErrUnknownGateway,
			retryOnTransient: true,
			wantStatus:       http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) { c.RetryOnTransient = tt.retryOnTransient })
			env.settler.handleFunc = func(ctx context.Context, d billing.Delivery) (billing.SettlementResult, error) {
				return tt.result, tt.err
			}

			rec := postWebhook(env, "callback", []byte(`{}`), nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "30", rec.Header().Get("Retry-After"))
			}
			if tt.wantStatus == http.StatusOK {
				var result billing.SettlementResult
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
				assert.False(t, result.Success)
				assert.Equal(t, "evt", result.EventID)
				if tt.wantMessage != "" {
					assert.Equal(t, tt.wantMessage, result.Message)
				}
			}
		})
	}
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WebhookBodyLimit = 16 })
	rec := postWebhook(env, "callback", bytes.Repeat([]byte("a"), 64), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, env.settler.deliveries)
}

func TestWebhook_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	env := newTestEnv(t, func(c *Config) { c.Limiter = limiter })

	assert.Equal(t, http.StatusOK, postWebhook(env, "callback", []byte(`{}`), nil).Code)
	rec := postWebhook(env, "callback", []byte(`{}`), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, env.settler.deliveries, 1)
}

func TestWebhook_NoBearerRequired(t *testing.T) {
	env := newTestEnv(t)
	rec := postWebhook(env, "callback", []byte(`{}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
