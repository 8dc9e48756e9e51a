package agentengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orchestra-labs/agentcore/internal/guardrail"
	"github.com/orchestra-labs/agentcore/runtime/agent/engine"
	agentruntime "github.com/orchestra-labs/agentcore/runtime/agent/runtime"
	"github.com/orchestra-labs/agentcore/runtime/agent/tools"
)

// AgentSpec describes an agent that is configured rather than codegen'd: a
// system prompt, a model id, and the toolsets it may call. Register builds
// the engine.WorkflowDefinition/ActivityDefinitions a generated package
// would otherwise provide, wiring them to the runtime's generic handlers
// (runtime.WorkflowHandler, runtime.PlanStartActivityHandler, ...) so one
// ModelPlanner implementation serves every registered agent.
type AgentSpec struct {
	// ID is the fully qualified agent identifier (e.g. "support.triage").
	ID string
	// ModelID names a client registered via Runtime.RegisterModel.
	ModelID string
	// SystemPrompt is prepended to every planning call for this agent.
	SystemPrompt string
	// Toolsets lists the tool registrations this agent may invoke.
	Toolsets []agentruntime.ToolsetRegistration
	// Policy configures per-run caps and interrupt behavior.
	Policy agentruntime.RunPolicy
	// TaskQueue overrides the default queue used for this agent's workflow
	// and activities. Ignored by the in-memory engine.
	TaskQueue string
}

// Register builds an agentruntime.AgentRegistration for spec and registers
// it with rt. The workflow, plan-start, plan-resume, and execute-tool
// handlers are the runtime's generic ones; only the planner and tool specs
// vary per agent.
func Register(ctx context.Context, rt *agentruntime.Runtime, spec AgentSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("agentengine: agent id is required")
	}

	specs := collectToolSpecs(spec.Toolsets)
	p := &ModelPlanner{ModelID: spec.ModelID, SystemPrompt: spec.SystemPrompt}

	reg := agentruntime.AgentRegistration{
		ID:      spec.ID,
		Planner: p,
		Workflow: engine.WorkflowDefinition{
			Name:      spec.ID + ".workflow",
			TaskQueue: spec.TaskQueue,
			Handler:   agentruntime.WorkflowHandler(rt),
		},
		Activities: []engine.ActivityDefinition{
			{Name: spec.ID + ".plan_start", Handler: agentruntime.PlanStartActivityHandler(rt)},
			{Name: spec.ID + ".plan_resume", Handler: agentruntime.PlanResumeActivityHandler(rt)},
			{Name: spec.ID + ".execute_tool", Handler: agentruntime.ExecuteToolActivityHandler(rt)},
		},
		PlanActivityName:    spec.ID + ".plan_start",
		ResumeActivityName:  spec.ID + ".plan_resume",
		ExecuteToolActivity: spec.ID + ".execute_tool",
		Toolsets:            spec.Toolsets,
		Specs:               specs,
		Policy:              spec.Policy,
	}

	return rt.RegisterAgent(ctx, reg)
}

// RegisterAgent wires spec's toolsets through the tool_input/tool_output
// guardrail stages before delegating to Register. A toolset that already
// sets PayloadAdapter or ResultAdapter is left untouched — this only fills
// the hook in when the caller hasn't provided one, matching the runtime's
// "nil means no adaptation" contract for ToolsetRegistration.
func (e *Engine) RegisterAgent(ctx context.Context, spec AgentSpec) error {
	wired := make([]agentruntime.ToolsetRegistration, len(spec.Toolsets))
	for i, ts := range spec.Toolsets {
		wired[i] = e.withToolGuardrails(spec.ID, ts)
	}
	spec.Toolsets = wired
	return Register(ctx, e.rt, spec)
}

// withToolGuardrails fills ts.PayloadAdapter/ResultAdapter with closures
// that run the tool_input/tool_output guardrail stages configured for
// agentID against the raw JSON payload/result, treated as check content.
// A tripped tool_input check blocks the call; a tripped tool_output check
// redacts the result in place, mirroring runGuardrails' output-stage
// handling.
func (e *Engine) withToolGuardrails(agentID string, ts agentruntime.ToolsetRegistration) agentruntime.ToolsetRegistration {
	if ts.PayloadAdapter == nil {
		ts.PayloadAdapter = func(ctx context.Context, _ agentruntime.ToolCallMeta, _ tools.Ident, raw json.RawMessage) (json.RawMessage, error) {
			if _, err := e.runGuardrails(ctx, agentID, guardrail.StageToolInput, string(raw), nil); err != nil {
				return nil, err
			}
			return raw, nil
		}
	}
	if ts.ResultAdapter == nil {
		ts.ResultAdapter = func(ctx context.Context, _ agentruntime.ToolCallMeta, _ tools.Ident, raw json.RawMessage) (json.RawMessage, error) {
			v, err := e.runGuardrails(ctx, agentID, guardrail.StageToolOutput, string(raw), nil)
			if err != nil {
				if v.Redacted != "" {
					redacted, marshalErr := json.Marshal(v.Redacted)
					if marshalErr == nil {
						return redacted, nil
					}
				}
				return nil, err
			}
			return raw, nil
		}
	}
	return ts
}

func collectToolSpecs(toolsets []agentruntime.ToolsetRegistration) []tools.ToolSpec {
	var out []tools.ToolSpec
	for _, ts := range toolsets {
		out = append(out, ts.Specs...)
	}
	return out
}
