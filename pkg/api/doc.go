// Package api exposes settle over HTTP.
//
// Management routes live under /api/v1/orgs/{id} and require a bearer
// token whose principal holds billing:read (queries, previews) or
// billing:manage (plan changes, top-ups) on that tenant. Gateway
// notifications arrive at /api/v1/webhooks/{gateway}; they are
// authenticated by signature and throttled per source IP.
//
// Errors are answered as {"success": false, "message": ..., "code": ...}.
// Business rule violations map to 400 or 422, missing resources to 404,
// concurrent changes to 409 with Retry-After, and infrastructure failures
// to 500 or 503 with a generic message.
package api
