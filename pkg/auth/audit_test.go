package auth

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/settle/pkg/observability"
)

func TestAuditLogger_LogFromRequest(t *testing.T) {
	var buf bytes.Buffer
	ctx := observability.WithLogger(
		WithPrincipal(httptest.NewRequest(http.MethodGet, "/", nil).Context(), &Principal{Subject: "owner@example.com"}),
		observability.NewLogger(observability.InfoLevel, &buf),
	)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/orgs/42/plan-change", nil).WithContext(ctx)
	r.RemoteAddr = "10.0.0.9:51234"

	NewAuditLogger().LogFromRequest(r, ActionPlanChange, "tenant", "42", StatusFailure, errors.New("lock held"))

	out := buf.String()
	assert.Contains(t, out, `"action":"billing.plan_change"`)
	assert.Contains(t, out, `"subject":"owner@example.com"`)
	assert.Contains(t, out, `"ip_address":"10.0.0.9"`)
	assert.Contains(t, out, `"error":"lock held"`)
	assert.Contains(t, out, `"level":"WARN"`)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:80", "198.51.100.4"},
		{"remote with port", nil, "192.0.2.1:4321", "192.0.2.1"},
		{"remote without port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
