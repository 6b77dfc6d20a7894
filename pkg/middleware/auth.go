package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/httputil"
)

// TokenVerifier turns a bearer token into a principal
type TokenVerifier interface {
	Verify(token string) (*auth.Principal, error)
}

// Authenticate requires a valid bearer token and stores the principal in
// the request context
func Authenticate(verifier TokenVerifier, audit *auth.AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.ParseBearer(r.Header.Get("Authorization"))
			if err != nil {
				if errors.Is(err, auth.ErrMissingToken) {
					httputil.WriteUnauthorized(w, "missing authorization header")
				} else {
					httputil.WriteUnauthorized(w, "invalid authorization header format")
				}
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				if audit != nil {
					audit.LogFromRequest(r, auth.ActionAuthFailure, "token", "", auth.StatusFailure, err)
				}
				httputil.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireCapability checks principal.Can(capability, tenant) where the
// tenant id comes from the tenantParam route variable
func RequireCapability(capability auth.Capability, tenantParam string, audit *auth.AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := auth.PrincipalFromContext(r.Context())
			if principal == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			tenantID, ok := httputil.ParsePathInt64OrError(w, r, tenantParam)
			if !ok {
				return
			}

			if !principal.Can(capability, tenantID) {
				if audit != nil {
					audit.LogFromRequest(r, auth.ActionPermissionDenied, "tenant", strconv.FormatInt(tenantID, 10), auth.StatusDenied, nil)
				}
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
