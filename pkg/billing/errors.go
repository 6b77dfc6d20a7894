package billing

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can branch on it without
// inspecting messages
type Kind int

const (
	// KindInfrastructure is the zero value so unclassified errors are
	// treated as unexpected
	KindInfrastructure Kind = iota
	KindBusinessRule
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindBusinessRule:
		return "business_rule"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "infrastructure"
	}
}

// Error is the domain error carried through every layer
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so wrapped copies of a sentinel still compare equal
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// With returns a copy of e that wraps cause
func (e *Error) With(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// Withf returns a copy of e with a more specific message
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

var (
	ErrInvalidPlanTransition = &Error{Kind: KindBusinessRule, Code: "invalid_plan_transition", Message: "target plan is the current plan"}
	ErrSubscriptionInactive  = &Error{Kind: KindBusinessRule, Code: "subscription_inactive", Message: "subscription is not active"}
	ErrInvalidSignature      = &Error{Kind: KindBusinessRule, Code: "invalid_signature", Message: "webhook signature mismatch"}
	ErrAmountMismatch        = &Error{Kind: KindBusinessRule, Code: "amount_mismatch", Message: "reported amount does not match invoice"}
	ErrInvalidAmount         = &Error{Kind: KindBusinessRule, Code: "invalid_amount", Message: "amount must be positive"}
	ErrMalformedNotification = &Error{Kind: KindBusinessRule, Code: "malformed_notification", Message: "notification payload could not be parsed"}
	ErrInvoiceNotPending     = &Error{Kind: KindBusinessRule, Code: "invoice_not_pending", Message: "invoice is no longer pending"}

	ErrPlanNotFound         = &Error{Kind: KindNotFound, Code: "plan_not_found", Message: "plan not found"}
	ErrSubscriptionNotFound = &Error{Kind: KindNotFound, Code: "subscription_not_found", Message: "subscription not found"}
	ErrInvoiceNotFound      = &Error{Kind: KindNotFound, Code: "invoice_not_found", Message: "invoice not found"}
	ErrUnknownGateway       = &Error{Kind: KindNotFound, Code: "unknown_gateway", Message: "payment gateway not configured"}

	ErrConcurrentChange   = &Error{Kind: KindConflict, Code: "concurrent_change", Message: "another change for this tenant is in progress", Retryable: true}
	ErrSubscriptionExists = &Error{Kind: KindConflict, Code: "subscription_exists", Message: "tenant already has a subscription"}

	ErrGatewayUnavailable = &Error{Kind: KindInfrastructure, Code: "gateway_unavailable", Message: "payment gateway request failed", Retryable: true}
	ErrGatewayTimeout     = &Error{Kind: KindInfrastructure, Code: "gateway_timeout", Message: "payment gateway timed out", Retryable: true}
)

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// IsRetryable reports whether the caller may retry the same request
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// Internal wraps an unexpected failure so it classifies as infrastructure
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindInfrastructure, Code: "internal", Message: op, Retryable: true, Err: err}
}
