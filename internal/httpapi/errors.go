package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// errorEnvelope is the single error body shape every endpoint returns,
// matching spec.md §7's taxonomy: a stable code, a human message, and
// optional structured details (retry-after, limit values, guardrail info)
// callers render without parsing the message text.
type errorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// statusForKind maps an apperr.Kind to the HTTP status spec.md §7's taxonomy
// table names.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindRateLimited, apperr.KindUsageLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.KindPaymentRequired:
		return http.StatusPaymentRequired
	case apperr.KindGuardrailTriggered:
		return http.StatusUnprocessableEntity
	case apperr.KindProviderUnavailable:
		return http.StatusBadGateway
	case apperr.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders err as the standard error envelope, aborting the gin
// context so no handler code runs after it. Non-apperr errors are reported
// as an opaque internal error — their message is never leaked to the
// caller.
func respondError(c *gin.Context, err error) {
	code := "internal"
	message := "internal server error"
	var details map[string]any
	kind := apperr.KindOf(err)

	var ae *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		ae = e
	} else if e, ok := asAppErr(err); ok {
		ae = e
	}
	if ae != nil {
		code = ae.Code
		message = ae.Message
		details = ae.Details
	}

	status := statusForKind(kind)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	if status == http.StatusTooManyRequests {
		if retry, ok := details["retry_after_seconds"]; ok {
			c.Header("Retry-After", toRetryAfterHeader(retry))
		}
	}
	c.AbortWithStatusJSON(status, errorEnvelope{Code: code, Message: message, Details: details})
}

func asAppErr(err error) (*apperr.Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(*apperr.Error); ok {
			return ae, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func toRetryAfterHeader(v any) string {
	switch n := v.(type) {
	case int:
		return itoa(n)
	case int64:
		return itoa(int(n))
	case float64:
		return itoa(int(n))
	case time.Duration:
		return itoa(int(n.Seconds()) + 1)
	default:
		return "1"
	}
}

func itoa(n int) string {
	if n <= 0 {
		return "1"
	}
	const digits = "0123456789"
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
