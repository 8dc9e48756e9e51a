// Package agentengine wraps runtime/agent/runtime.Runtime with the
// orchestration steps that sit between the HTTP boundary and a registered
// agent: session/provider-conversation resolution, the five-stage guardrail
// pipeline, usage recording, and translating the runtime's stream.Event feed
// into public_sse_v1 frames.
package agentengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestra-labs/agentcore/runtime/agent/model"
	"github.com/orchestra-labs/agentcore/runtime/agent/planner"
)

// ModelPlanner is a generic, DSL-free planner.Planner that drives a single
// model.Client through a conversation turn. Generated teacher agents ship a
// bespoke planner per workflow; this repository's agents are configured at
// runtime (system prompt, tool definitions, model id) rather than
// codegen'd, so one implementation serves every registered agent.
type ModelPlanner struct {
	ModelID      string
	SystemPrompt string
	Tools        []*model.ToolDefinition
	Temperature  float32
	MaxTokens    int
}

// PlanStart implements planner.Planner.
func (p *ModelPlanner) PlanStart(ctx context.Context, in planner.PlanInput) (planner.PlanResult, error) {
	return p.plan(ctx, in.Agent, in.Messages, nil, in.Events)
}

// PlanResume implements planner.Planner.
func (p *ModelPlanner) PlanResume(ctx context.Context, in planner.PlanResumeInput) (planner.PlanResult, error) {
	return p.plan(ctx, in.Agent, in.Messages, in.ToolResults, in.Events)
}

func (p *ModelPlanner) plan(
	ctx context.Context,
	agentCtx planner.PlannerContext,
	messages []planner.AgentMessage,
	toolResults []planner.ToolResult,
	events planner.PlannerEvents,
) (planner.PlanResult, error) {
	client, ok := agentCtx.ModelClient(p.ModelID)
	if !ok {
		return planner.PlanResult{}, fmt.Errorf("agentengine: model %q is not registered for agent %q", p.ModelID, agentCtx.ID())
	}

	req := &model.Request{
		RunID:       agentCtx.RunID(),
		Model:       p.ModelID,
		Messages:    p.buildMessages(messages, toolResults),
		Temperature: p.Temperature,
		Tools:       p.Tools,
		MaxTokens:   p.MaxTokens,
	}

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return planner.PlanResult{}, fmt.Errorf("agentengine: model completion failed: %w", err)
	}

	if events != nil {
		events.UsageDelta(ctx, resp.Usage)
	}

	if len(resp.ToolCalls) > 0 {
		calls := make([]planner.ToolRequest, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			var payload any
			if len(tc.Payload) > 0 {
				if err := json.Unmarshal(tc.Payload, &payload); err != nil {
					return planner.PlanResult{}, fmt.Errorf("agentengine: decoding tool call payload for %q: %w", tc.Name, err)
				}
			}
			calls = append(calls, planner.ToolRequest{
				Name:       tc.Name,
				Payload:    payload,
				ToolCallID: tc.ID,
			})
		}
		return planner.PlanResult{ToolCalls: calls}, nil
	}

	text := extractText(resp.Content)
	if events != nil && text != "" {
		events.AssistantChunk(ctx, text)
	}

	return planner.PlanResult{
		FinalResponse: &planner.FinalResponse{
			Message: planner.AgentMessage{Role: string(model.ConversationRoleAssistant), Content: text},
		},
	}, nil
}

// buildMessages assembles the provider request transcript: an optional
// system prompt, the conversation history, and any tool results from the
// previous turn folded into a user-role message so the model can read them.
func (p *ModelPlanner) buildMessages(messages []planner.AgentMessage, toolResults []planner.ToolResult) []*model.Message {
	out := make([]*model.Message, 0, len(messages)+2)
	if p.SystemPrompt != "" {
		out = append(out, &model.Message{
			Role:  model.ConversationRoleSystem,
			Parts: []model.Part{model.TextPart{Text: p.SystemPrompt}},
		})
	}
	for _, m := range messages {
		role := model.ConversationRole(m.Role)
		if role == "" {
			role = model.ConversationRoleUser
		}
		out = append(out, &model.Message{Role: role, Parts: []model.Part{model.TextPart{Text: m.Content}}})
	}
	if len(toolResults) > 0 {
		parts := make([]model.Part, 0, len(toolResults))
		for _, tr := range toolResults {
			content := tr.Result
			isErr := tr.Error != nil
			if isErr {
				content = tr.Error.Error()
			}
			parts = append(parts, model.ToolResultPart{ToolUseID: tr.ToolCallID, Content: content, IsError: isErr})
		}
		out = append(out, &model.Message{Role: model.ConversationRoleUser, Parts: parts})
	}
	return out
}

func extractText(messages []model.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		for _, part := range m.Parts {
			if t, ok := part.(model.TextPart); ok {
				sb.WriteString(t.Text)
			}
		}
	}
	return sb.String()
}
