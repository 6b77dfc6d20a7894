package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/gateway"
	"github.com/platinummonkey/settle/pkg/httputil"
	"github.com/platinummonkey/settle/pkg/observability"
)

// transientRetryAfter is advertised when a delivery should be retried
const transientRetryAfter = 30 * time.Second

// handleWebhook handles POST /api/v1/webhooks/{gateway}.
//
// The body is passed through byte for byte. Once the event is recorded,
// business outcomes (bad signature, unknown invoice, amount mismatch,
// replays) answer 200 so the gateway stops redelivering. Infrastructure
// failures answer 503 when RetryOnTransient is set, and a failure to
// record the event answers 500.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayName, err := httputil.ParsePathString(r, "gateway")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.WebhookBodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "notification body too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read notification body")
		return
	}

	delivery := billing.Delivery{
		Gateway:  gatewayName,
		Payload:  payload,
		Headers:  r.Header.Clone(),
		SourceIP: auth.ClientIP(r),
		Token:    r.Header.Get(s.signatureHeader(gatewayName)),
	}

	result, err := s.cfg.Settler.HandleEvent(r.Context(), delivery)
	if err == nil {
		httputil.WriteSuccess(w, result)
		return
	}

	log := observability.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"gateway":  gatewayName,
		"event_id": result.EventID,
	})

	switch {
	case errors.Is(err, billing.ErrUnknownGateway):
		// nothing was logged
		httputil.WriteNotFound(w, "unknown payment gateway")
	case result.EventID == "":
		log.Error("failed to record webhook event")
		httputil.WriteInternalError(w)
	case isTransient(err) && s.cfg.RetryOnTransient:
		log.Warn("webhook settlement failed, requesting redelivery")
		httputil.WriteServiceUnavailable(w, "temporarily unable to process notification", transientRetryAfter)
	default:
		result.Success = false
		result.Message = publicMessage(err)
		httputil.WriteSuccess(w, result)
	}
}

// signatureHeader returns the header a gateway signs with, defaulting to
// the callback gateway's
func (s *Server) signatureHeader(gatewayName string) string {
	if h, ok := s.cfg.SignatureHeaders[gatewayName]; ok {
		return h
	}
	return gateway.CallbackSignatureHeader
}

// isTransient reports whether redelivering the same notification may succeed
func isTransient(err error) bool {
	switch billing.KindOf(err) {
	case billing.KindInfrastructure:
		return true
	case billing.KindConflict:
		return billing.IsRetryable(err)
	}
	return false
}

// publicMessage hides infrastructure detail from the gateway
func publicMessage(err error) string {
	var e *billing.Error
	if billing.KindOf(err) == billing.KindInfrastructure || !errors.As(err, &e) {
		return "notification could not be processed"
	}
	return e.Message
}
