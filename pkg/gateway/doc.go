// Package gateway holds the payment gateway clients behind billing.Gateway.
//
// CallbackGateway drives a hosted payment page over JSON/HTTP and verifies
// notifications with an HMAC-SHA256 of the raw body sent in
// X-Callback-Signature. StripeGateway uses Stripe Checkout sessions and
// validates the Stripe-Signature header with the stripe-go webhook package.
//
// Both are wrapped with billing.WithTimeout by the caller; neither retries
// on its own beyond what the underlying client does.
package gateway
