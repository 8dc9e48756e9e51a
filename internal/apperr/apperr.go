// Package apperr defines the error taxonomy shared by every boundary
// component (authn, agentengine, workflow, ledger, httpapi). Errors carry a
// Kind used to choose HTTP status/stream-frame behavior, plus free-form
// Details for structured fields (retry-after, limit values, guardrail info)
// that callers render without parsing the error string.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of status-code mapping and retry
// policy. It is not a Go type hierarchy: callers branch on Kind, not on a
// concrete error type, so wrapping and unwrapping stays cheap.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindValidation         Kind = "validation"
	KindRateLimited        Kind = "rate_limited"
	KindUsageLimitExceeded Kind = "usage_limit_exceeded"
	KindPaymentRequired    Kind = "payment_required"
	KindGuardrailTriggered Kind = "guardrail_triggered"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Error is the structured error wrapper threaded through every internal/
// package. Message is safe to surface to callers; Details carries fields
// that are rendered into the response body (limit values, retry-after,
// guardrail check name) but are never logged as free text.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error that chains an underlying cause via Unwrap, so
// errors.Is/errors.As still see through to provider/store-level sentinels.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// WithDetails returns a copy of e with Details merged in. It never mutates e,
// so the same sentinel can be reused as the base of several errors.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	cp.Details = merged
	return &cp
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, apperr.New(kind, "", "")) style sentinel checks
// by Kind+Code, which is how callers match a specific taxonomy entry without
// depending on message text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// KindOf extracts the Kind of err, walking the Unwrap chain. Errors that are
// not *Error (and don't wrap one) are classified KindInternal, matching the
// taxonomy's "unexpected" row.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the propagation policy allows internal retry of
// err. Only provider transport failures are retried; guardrail, validation,
// and authorization errors are not.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderUnavailable
}

// Sentinel errors for common not-found/conflict conditions that multiple
// internal/ packages need to compare against with errors.Is.
var (
	ErrNotFound          = New(KindNotFound, "not_found", "resource not found")
	ErrConversationMismatch = New(KindNotFound, "conversation_tenant_mismatch", "conversation does not belong to tenant")
	ErrCancelled         = New(KindCancelled, "cancelled", "operation cancelled")
)
