// Package policy codifies policy evaluation and enforcement for agent runs.
// Policy engines decide which tools are available to planners on each turn,
// enforce resource caps (max tool calls, time budgets, failure limits), and
// react to planner retry hints. This allows runtime-level control over agent
// behavior without modifying planner logic or tool implementations.
package policy

import (
	"context"
	"time"

	"github.com/orchestra-labs/agentcore/runtime/agent/run"
)

type (
	// Engine decides which tools remain available to the planner on each turn.
	// The runtime invokes the policy engine before each planner call (start and resume)
	// to compute the allowlist and update caps.
	Engine interface {
		Decide(ctx context.Context, input Input) (Decision, error)
	}

	// Input groups all the information made available to the policy engine for
	// decision making. The runtime constructs this before each planner invocation.
	Input struct {
		RunContext    run.Context
		Tools         []ToolMetadata
		RetryHint     *RetryHint
		RemainingCaps CapsState
		Requested     []ToolHandle
		Labels        map[string]string
	}

	// Decision captures the outcome of a policy evaluation for a turn.
	Decision struct {
		AllowedTools []ToolHandle
		Caps         CapsState
		DisableTools bool
		Labels       map[string]string
		Metadata     map[string]any
	}

	// ToolMetadata describes a candidate tool available to the agent.
	ToolMetadata struct {
		ID          string
		Name        string
		Description string
		Tags        []string
	}

	// ToolHandle identifies a tool by its fully qualified ID.
	ToolHandle struct {
		ID string
	}

	// CapsState tracks remaining execution budgets for a run.
	CapsState struct {
		MaxToolCalls                        int
		RemainingToolCalls                  int
		MaxConsecutiveFailedToolCalls       int
		RemainingConsecutiveFailedToolCalls int
		ExpiresAt                           time.Time
	}
)

// RetryReason categorizes planner failures communicated via RetryHint. These values
// mirror planner.RetryReason so policy engines can share logic without importing the
// planner package, avoiding import cycles with hooks.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint communicates planner guidance after tool failures so policy engines can
// adjust allowlists or caps.
type RetryHint struct {
	Reason             RetryReason
	Tool               string
	RestrictToTool     bool
	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}
