// Package middleware holds the HTTP middleware that sits in front of the
// settle API: bearer authentication, per-tenant capability checks and the
// webhook rate limiter.
//
// The rate limiter is a fixed window counter. RateLimiter keeps windows in
// process; DistributedRateLimiter shares them across instances through
// Redis. Both satisfy Limiter, and the RateLimit middleware fails open when
// the limiter itself errors.
package middleware
