// Package notify fans committed billing events out to HTTP endpoints.
//
// Each event is POSTed as JSON to every configured endpoint with these
// headers:
//
//	X-Settle-Event:     invoice.paid
//	X-Settle-Event-ID:  6f1c...
//	X-Settle-Signature: sha256=<hex HMAC-SHA256 of the body>
//
// Network errors, 408, 429 and 5xx answers are retried with exponential
// backoff; other 4xx answers are not. Receivers should deduplicate on the
// event id since a delivery may be repeated.
package notify
