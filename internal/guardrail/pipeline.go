package guardrail

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// Verdict is the outcome of running one stage's resolved checks against a
// piece of content.
type Verdict struct {
	Stage       Stage
	Tripped     bool
	Results     []NamedResult
	Redacted    string // set only for output/tool_output stages when a non-suppressed tripwire fires
}

// NamedResult pairs a CheckResult with the check key and bundle it ran
// under, so callers can emit a guardrail_result stream frame per check.
type NamedResult struct {
	BundleName string
	CheckKey   string
	Result     CheckResult
	Suppressed bool
}

// Runner executes resolved bundles for a stage against a Registry.
type Runner struct {
	registry *Registry
}

// NewRunner constructs a Runner bound to a Registry.
func NewRunner(registry *Registry) *Runner {
	return &Runner{registry: registry}
}

// Run evaluates every bundle's resolved checks concurrently up to
// ResolveConcurrency(bundles), and fails fast (canceling outstanding checks)
// once a non-suppressed tripwire fires for a gating stage.
//
// For pre_flight/input stages a tripped non-suppressed check aborts the call
// entirely (guardrail_triggered error); for output/tool_output stages the
// offending content is replaced with a redaction and the call proceeds.
func (r *Runner) Run(ctx context.Context, stage Stage, bundles []Bundle, content string, history []string) (Verdict, error) {
	concurrency := ResolveConcurrency(bundles)
	if concurrency <= 0 {
		concurrency = 1
	}

	type job struct {
		bundleName string
		check      CheckConfig
	}
	var jobs []job
	for _, b := range bundles {
		for _, c := range b.Checks {
			jobs = append(jobs, job{bundleName: b.Name, check: c})
		}
	}
	suppressByBundle := make(map[string]bool, len(bundles))
	for _, b := range bundles {
		suppressByBundle[b.Name] = b.SuppressTripwire
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]NamedResult, 0, len(jobs))
	var firstErr error

	for _, j := range jobs {
		j := j
		fn, ok := r.registry.Lookup(j.check.Key)
		if !ok {
			mu.Lock()
			if firstErr == nil {
				firstErr = apperr.New(apperr.KindInternal, "guardrail_unregistered", fmt.Sprintf("guardrail check %q is not registered", j.check.Key))
			}
			mu.Unlock()
			continue
		}
		// Config-schema validation is fatal at resolve time, not a regular
		// CheckResult: a malformed config never reaches the check function.
		if err := r.registry.ValidateConfig(j.check.Key, j.check.Config); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := fn(runCtx, content, j.check.Config, history)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = apperr.Wrap(apperr.KindInternal, "guardrail_check_failed", "guardrail check failed", err)
				}
				return
			}
			nr := NamedResult{BundleName: j.bundleName, CheckKey: j.check.Key, Result: res, Suppressed: suppressByBundle[j.bundleName]}
			results = append(results, nr)
			if res.TripwireTriggered && !nr.Suppressed && (stage == StagePreFlight || stage == StageInput || stage == StageToolInput) {
				cancel()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return Verdict{}, firstErr
	}

	v := Verdict{Stage: stage, Results: results}
	for _, nr := range results {
		if nr.Result.TripwireTriggered && !nr.Suppressed {
			v.Tripped = true
			break
		}
	}

	if v.Tripped {
		switch stage {
		case StagePreFlight, StageInput, StageToolInput:
			return v, apperr.New(apperr.KindGuardrailTriggered, "guardrail_triggered", "a guardrail check tripped for this stage").
				WithDetails(map[string]any{"stage": string(stage)})
		case StageOutput, StageToolOutput:
			v.Redacted = redactContent(content, results)
		}
	}
	return v, nil
}

// redactContent replaces the spans tripped, non-suppressed checks identified
// in content with "[REDACTED]", leaving the rest of the content intact. When
// no span at all was replaced (every tripped check is one that names no
// RedactSpans, such as the LLM classifiers), the whole content is replaced
// instead. A spanless check that trips alongside a spanned one does not widen
// the redaction beyond the spans.
func redactContent(content string, results []NamedResult) string {
	redacted := content
	spanned := false
	for _, nr := range results {
		if nr.Suppressed || !nr.Result.TripwireTriggered {
			continue
		}
		for _, span := range nr.Result.RedactSpans {
			if span == "" || !strings.Contains(redacted, span) {
				continue
			}
			redacted = strings.ReplaceAll(redacted, span, "[REDACTED]")
			spanned = true
		}
	}
	if !spanned {
		return "[content redacted by guardrail]"
	}
	return redacted
}
