// Package guardrail implements the guardrail registry, resolver, and
// pipeline runner: stage-scoped bundles of content checks,
// resolved from presets plus explicit overrides and run with a configurable
// concurrency cap per bundle.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// Stage is one of the five points in a turn where guardrails run.
type Stage string

const (
	StagePreFlight  Stage = "pre_flight"
	StageInput      Stage = "input"
	StageToolInput  Stage = "tool_input"
	StageToolOutput Stage = "tool_output"
	StageOutput     Stage = "output"
)

// CheckResult is the outcome of one guardrail check invocation.
type CheckResult struct {
	TripwireTriggered bool
	Confidence        float64
	Info              map[string]any
	TokenUsage        int
	// RedactSpans lists the exact substrings of the checked content a
	// tripped output/tool_output check identified as the offending text.
	// The pipeline replaces each occurrence in place rather than discarding
	// the whole response. Checks that can only classify content overall
	// (the LLM classifiers) leave this nil and fall back to full
	// replacement.
	RedactSpans []string
}

// CheckFunc is the signature every builtin and custom guardrail check
// implements: given the content under review and its validated
// configuration, decide whether to trip.
type CheckFunc func(ctx context.Context, content string, config map[string]any, history []string) (CheckResult, error)

// CheckConfig is one guardrail entry within a bundle: its key into the
// Registry plus per-check configuration.
type CheckConfig struct {
	Key            string
	Config         map[string]any
	Disable        bool // explicit disable removes a preset entry of the same key
}

// Bundle is a named group of checks evaluated together at a stage.
type Bundle struct {
	Name             string
	Checks           []CheckConfig
	Concurrency      int
	SuppressTripwire bool
}

// PipelineConfig is the full guardrail configuration: bundles grouped by
// stage, loaded from YAML/JSON via the `guardrails.pipeline` config.
type PipelineConfig struct {
	Stages map[Stage][]Bundle
}

// Spec declares one guardrail check's identity, the pipeline stage it's
// meant for, and the JSON Schema its per-check Config must satisfy. It
// mirrors the {key, display_name, description, stage, engine, config_schema,
// check_fn_path, default_config} record the original guardrail registry
// loaded from Python check modules; ConfigSchema/DefaultConfig replace
// check_fn_path's dynamic import with ahead-of-time Go registration.
type Spec struct {
	Key          string
	DisplayName  string
	Description  string
	Stage        Stage
	Engine       string // regex | llm | api | hybrid
	ConfigSchema json.RawMessage
	DefaultConfig map[string]any
}

// Registry maps guardrail keys to their CheckFunc implementations and,
// where declared, the compiled JSON Schema their config must satisfy. It is
// populated once at startup (init-time registration), replacing the
// dotted-path dynamic import the original Python guardrail loader used.
type Registry struct {
	checks  map[string]CheckFunc
	specs   map[string]Spec
	schemas map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		checks:  make(map[string]CheckFunc),
		specs:   make(map[string]Spec),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a named check with no declared Spec, and therefore no
// config-schema validation. Re-registering a key overwrites the previous
// entry, which is how tests substitute fakes for builtins.
func (r *Registry) Register(key string, fn CheckFunc) {
	r.checks[key] = fn
	delete(r.specs, key)
	delete(r.schemas, key)
}

// RegisterSpec adds a named check along with its Spec. When spec.ConfigSchema
// is non-empty it is compiled immediately — a malformed schema document is a
// startup-time error, not something discovered the first time a bundle
// resolves.
func (r *Registry) RegisterSpec(spec Spec, fn CheckFunc) error {
	if spec.Key == "" {
		return fmt.Errorf("guardrail: spec key is required")
	}
	r.checks[spec.Key] = fn
	r.specs[spec.Key] = spec
	delete(r.schemas, spec.Key)
	if len(spec.ConfigSchema) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(spec.ConfigSchema, &doc); err != nil {
		return fmt.Errorf("guardrail: unmarshal config_schema for %q: %w", spec.Key, err)
	}
	resourceID := spec.Key + ".config_schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceID, doc); err != nil {
		return fmt.Errorf("guardrail: add config_schema resource for %q: %w", spec.Key, err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("guardrail: compile config_schema for %q: %w", spec.Key, err)
	}
	r.schemas[spec.Key] = schema
	return nil
}

// Lookup returns the CheckFunc for key, or false if unregistered.
func (r *Registry) Lookup(key string) (CheckFunc, bool) {
	fn, ok := r.checks[key]
	return fn, ok
}

// Spec returns the declared Spec for key, or false if it was registered via
// Register rather than RegisterSpec.
func (r *Registry) Spec(key string) (Spec, bool) {
	s, ok := r.specs[key]
	return s, ok
}

// ValidateConfig validates cfg against key's declared config_schema. A key
// with no declared schema (registered via Register, or RegisterSpec with an
// empty ConfigSchema) always validates. This is the "validation errors are
// fatal at resolve time" check: callers are expected to run it before ever
// invoking the check, not treat a schema mismatch as a regular
// CheckResult.
func (r *Registry) ValidateConfig(key string, cfg map[string]any) error {
	schema, ok := r.schemas[key]
	if !ok {
		return nil
	}
	// jsonschema validates against any, so round-trip map[string]any through
	// the same json encoding the compiled schema's instance walker expects.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "guardrail_config_invalid", fmt.Sprintf("guardrail %q: encode config", key), err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return apperr.Wrap(apperr.KindValidation, "guardrail_config_invalid", fmt.Sprintf("guardrail %q: decode config", key), err)
	}
	if err := schema.Validate(instance); err != nil {
		return apperr.Wrap(apperr.KindValidation, "guardrail_config_invalid", fmt.Sprintf("guardrail %q: config failed schema validation", key), err)
	}
	return nil
}
