package ratelimit

import "fmt"

// UsageDecisionKind is the outcome of evaluating a tenant's plan-backed usage
// limit against its current-period UsageCounter.
type UsageDecisionKind string

const (
	UsageAllow     UsageDecisionKind = "allow"
	UsageSoftLimit UsageDecisionKind = "soft_limit"
	UsageHardLimit UsageDecisionKind = "hard_limit"
)

// UsageLimit is one plan-backed limit on a feature (for example
// "input_tokens" or "requests") over a billing window.
type UsageLimit struct {
	FeatureKey string
	LimitType  string
	Limit      int64
	SoftRatio  float64 // fraction of Limit at which soft_limit triggers, e.g. 0.9
	Window     string  // "minute" | "hour" | "day" | "month"
}

// UsageDecision is the result of evaluating a UsageLimit against a current
// usage value.
type UsageDecision struct {
	Kind         UsageDecisionKind
	FeatureKey   string
	LimitType    string
	Limit        int64
	CurrentUsage int64
	Window       string
}

// EvaluateUsage classifies current against limit: hard_limit once current
// reaches the configured limit, soft_limit once it crosses SoftRatio of the
// limit, allow otherwise. A zero-valued UsageLimit.Limit disables the check
// (always allow), matching tenants with no plan-backed quota configured.
func EvaluateUsage(limit UsageLimit, current int64) UsageDecision {
	d := UsageDecision{
		FeatureKey:   limit.FeatureKey,
		LimitType:    limit.LimitType,
		Limit:        limit.Limit,
		CurrentUsage: current,
		Window:       limit.Window,
		Kind:         UsageAllow,
	}
	if limit.Limit <= 0 {
		return d
	}
	if current >= limit.Limit {
		d.Kind = UsageHardLimit
		return d
	}
	ratio := limit.SoftRatio
	if ratio <= 0 {
		ratio = 0.9
	}
	if float64(current) >= float64(limit.Limit)*ratio {
		d.Kind = UsageSoftLimit
	}
	return d
}

// Error renders the decision as the structured detail required on a
// 429 hard-limit response: feature key, limit type, limit value, current
// usage, and window.
func (d UsageDecision) Error() string {
	return fmt.Sprintf("usage limit exceeded: feature=%s type=%s limit=%d current=%d window=%s",
		d.FeatureKey, d.LimitType, d.Limit, d.CurrentUsage, d.Window)
}
