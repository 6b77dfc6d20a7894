package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/httputil"
	"github.com/platinummonkey/settle/pkg/observability"
)

// conflictRetryAfter is advertised on 409 answers for retryable conflicts
const conflictRetryAfter = time.Second

// statusFor maps a domain error onto an HTTP status
func statusFor(err error) int {
	switch billing.KindOf(err) {
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindBusinessRule:
		if errors.Is(err, billing.ErrInvalidAmount) || errors.Is(err, billing.ErrMalformedNotification) {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	default:
		if billing.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

// writeError answers with the domain error's message and code. Infrastructure
// failures are logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var e *billing.Error
	if !errors.As(err, &e) {
		e = &billing.Error{Code: "internal"}
	}

	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).WithField("code", e.Code).Error("request failed")
		if status == http.StatusServiceUnavailable {
			httputil.WriteServiceUnavailable(w, "service temporarily unavailable", conflictRetryAfter)
			return
		}
		httputil.WriteInternalError(w)
		return
	}

	if status == http.StatusConflict && e.Retryable {
		httputil.SetRetryAfter(w, conflictRetryAfter)
	}
	httputil.WriteErrorResponse(w, status, httputil.ErrorResponse{
		Message: e.Message,
		Code:    e.Code,
	})
}
