package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/platinummonkey/settle/pkg/observability"
)

// Audit actions
const (
	ActionPlanChange       = "billing.plan_change"
	ActionTopup            = "billing.topup"
	ActionAuthFailure      = "auth.failure"
	ActionPermissionDenied = "auth.denied"
)

// Audit statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// AuditLogger writes one structured "audit" line per security relevant
// action through the request logger
type AuditLogger struct{}

// NewAuditLogger creates a new audit logger
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

// LogFromRequest records action on resourceType/resourceID by the caller of r
func (al *AuditLogger) LogFromRequest(r *http.Request, action, resourceType, resourceID, status string, err error) {
	fields := map[string]interface{}{
		"audit":         true,
		"action":        action,
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"status":        status,
		"ip_address":    ClientIP(r),
		"user_agent":    r.UserAgent(),
	}
	if p := PrincipalFromContext(r.Context()); p != nil {
		fields["subject"] = p.Subject
	}

	logger := observability.FromContext(r.Context()).WithFields(fields)
	if err != nil {
		logger = logger.WithError(err)
	}
	if status == StatusSuccess {
		logger.Info("audit")
	} else {
		logger.Warn("audit")
	}
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the remote
// address without its port
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
