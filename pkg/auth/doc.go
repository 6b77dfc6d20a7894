// Package auth turns bearer tokens into principals and answers the single
// authorization question settle asks: may this principal exercise a
// capability on a tenant.
//
// Tokens are HS256 JWTs:
//
//	{"sub": "ops@example.com", "scope": "billing:read billing:manage", "tenants": [42], "exp": ...}
//
// billing:manage implies billing:read, and "*" grants every capability on
// every tenant.
//
//	verifier := auth.NewTokenVerifier(secret, issuer, audience)
//	principal, err := verifier.Verify(token)
//	if !principal.Can(auth.CapabilityManage, tenantID) { ... }
//
// AuditLogger writes structured audit lines for plan changes, top-ups and
// authentication failures.
package auth
