package builtin

import (
	"context"
	"regexp"

	"github.com/orchestra-labs/agentcore/internal/guardrail"
)

// defaultPIIPatterns are the regex engine's built-in PII shapes. Keys double
// as the "detect" config values an operator can use to narrow which shapes
// are checked.
var defaultPIIPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"phone":       regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
}

// PIIDetectionOutputCheck is the "pii_detection_output" guardrail.CheckFunc:
// a regex engine that scans agent output for common PII shapes (email, SSN,
// phone, credit card) and reports the matched spans so the output stage can
// redact them in place rather than discarding the whole response.
func PIIDetectionOutputCheck(_ context.Context, content string, config map[string]any, _ []string) (guardrail.CheckResult, error) {
	patterns := selectedPIIPatterns(config)

	var matched []string
	byPattern := make(map[string]int, len(patterns))
	for name, re := range patterns {
		found := re.FindAllString(content, -1)
		if len(found) == 0 {
			continue
		}
		matched = append(matched, found...)
		byPattern[name] = len(found)
	}

	flagged := len(matched) > 0
	return guardrail.CheckResult{
		TripwireTriggered: flagged,
		RedactSpans:       matched,
		Info: map[string]any{
			"guardrail_name":     "PII Detection",
			"flagged":            flagged,
			"matches_by_pattern": byPattern,
		},
	}, nil
}

func selectedPIIPatterns(config map[string]any) map[string]*regexp.Regexp {
	names := stringSlice(config["detect"])
	if len(names) == 0 {
		return defaultPIIPatterns
	}
	out := make(map[string]*regexp.Regexp, len(names))
	for _, n := range names {
		if re, ok := defaultPIIPatterns[n]; ok {
			out[n] = re
		}
	}
	if len(out) == 0 {
		return defaultPIIPatterns
	}
	return out
}
