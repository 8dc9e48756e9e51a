package agentengine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/agentcore/runtime/agent/memory"
	"github.com/orchestra-labs/agentcore/runtime/agent/model"
	"github.com/orchestra-labs/agentcore/runtime/agent/planner"
	"github.com/orchestra-labs/agentcore/runtime/agent/telemetry"
	"github.com/orchestra-labs/agentcore/runtime/agent/tools"
)

// fakeModelClient returns a canned Response regardless of the request, and
// records the last request it was called with for assertions.
type fakeModelClient struct {
	resp    *model.Response
	err     error
	lastReq *model.Request
}

func (c *fakeModelClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *fakeModelClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, fmt.Errorf("agentengine test: streaming not supported by fakeModelClient")
}

type emptyMemoryReader struct{}

func (emptyMemoryReader) Events() []memory.Event                         { return nil }
func (emptyMemoryReader) FilterByType(memory.EventType) []memory.Event   { return nil }
func (emptyMemoryReader) Latest(memory.EventType) (memory.Event, bool)   { return memory.Event{}, false }

type noopAgentState struct{}

func (noopAgentState) Get(string) (any, bool) { return nil, false }
func (noopAgentState) Set(string, any)        {}
func (noopAgentState) Keys() []string         { return nil }

// fakePlannerContext is a minimal planner.PlannerContext, grounded on the
// runtime package's own simplePlannerContext test stub.
type fakePlannerContext struct {
	agentID string
	runID   string
	clients map[string]model.Client
}

func (c *fakePlannerContext) ID() string               { return c.agentID }
func (c *fakePlannerContext) RunID() string            { return c.runID }
func (c *fakePlannerContext) Memory() memory.Reader    { return emptyMemoryReader{} }
func (c *fakePlannerContext) Logger() telemetry.Logger { return telemetry.NewNoopLogger() }
func (c *fakePlannerContext) Metrics() telemetry.Metrics { return telemetry.NewNoopMetrics() }
func (c *fakePlannerContext) Tracer() telemetry.Tracer   { return telemetry.NewNoopTracer() }
func (c *fakePlannerContext) State() planner.AgentState  { return noopAgentState{} }
func (c *fakePlannerContext) ModelClient(id string) (model.Client, bool) {
	client, ok := c.clients[id]
	return client, ok
}

// fakePlannerEvents records the calls ModelPlanner.plan makes so tests can
// assert on assistant chunks and usage deltas without a live runtime bus.
type fakePlannerEvents struct {
	chunks []string
	usage  []model.TokenUsage
}

func (e *fakePlannerEvents) AssistantChunk(_ context.Context, text string) {
	e.chunks = append(e.chunks, text)
}
func (e *fakePlannerEvents) PlannerThought(context.Context, string, map[string]string) {}
func (e *fakePlannerEvents) UsageDelta(_ context.Context, usage model.TokenUsage) {
	e.usage = append(e.usage, usage)
}

func TestModelPlanner_PlanStart_ReturnsFinalResponseOnTextReply(t *testing.T) {
	client := &fakeModelClient{resp: &model.Response{
		Content: []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: "hello there"}},
		}},
		Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
	agentCtx := &fakePlannerContext{agentID: "triage", runID: "run-1", clients: map[string]model.Client{"claude": client}}
	events := &fakePlannerEvents{}
	p := &ModelPlanner{ModelID: "claude", SystemPrompt: "be helpful"}

	result, err := p.PlanStart(context.Background(), planner.PlanInput{
		Messages: []planner.AgentMessage{{Role: "user", Content: "hi"}},
		Agent:    agentCtx,
		Events:   events,
	})

	require.NoError(t, err)
	require.Nil(t, result.ToolCalls)
	require.NotNil(t, result.FinalResponse)
	require.Equal(t, "hello there", result.FinalResponse.Message.Content)
	require.Equal(t, string(model.ConversationRoleAssistant), result.FinalResponse.Message.Role)
	require.Equal(t, []string{"hello there"}, events.chunks)
	require.Len(t, events.usage, 1)
	require.Equal(t, 15, events.usage[0].TotalTokens)

	require.NotNil(t, client.lastReq)
	require.Equal(t, "run-1", client.lastReq.RunID)
	require.Equal(t, "claude", client.lastReq.Model)
	require.Len(t, client.lastReq.Messages, 2) // system prompt + the one user message
}

func TestModelPlanner_PlanStart_ReturnsToolCallsWhenModelRequestsThem(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"query": "weather"})
	require.NoError(t, err)
	client := &fakeModelClient{resp: &model.Response{
		ToolCalls: []model.ToolCall{{Name: tools.Ident("search"), Payload: payload, ID: "call-1"}},
	}}
	agentCtx := &fakePlannerContext{agentID: "triage", runID: "run-2", clients: map[string]model.Client{"claude": client}}
	p := &ModelPlanner{ModelID: "claude"}

	result, err := p.PlanStart(context.Background(), planner.PlanInput{Agent: agentCtx, Events: &fakePlannerEvents{}})

	require.NoError(t, err)
	require.Nil(t, result.FinalResponse)
	require.Len(t, result.ToolCalls, 1)
	require.Equal(t, tools.Ident("search"), result.ToolCalls[0].Name)
	require.Equal(t, "call-1", result.ToolCalls[0].ToolCallID)
	require.Equal(t, map[string]any{"query": "weather"}, result.ToolCalls[0].Payload)
}

func TestModelPlanner_PlanStart_ErrorsWhenModelNotRegistered(t *testing.T) {
	agentCtx := &fakePlannerContext{agentID: "triage", runID: "run-3", clients: map[string]model.Client{}}
	p := &ModelPlanner{ModelID: "missing-model"}

	_, err := p.PlanStart(context.Background(), planner.PlanInput{Agent: agentCtx, Events: &fakePlannerEvents{}})

	require.ErrorContains(t, err, `model "missing-model" is not registered`)
}

func TestModelPlanner_PlanResume_FoldsToolResultsIntoTranscript(t *testing.T) {
	client := &fakeModelClient{resp: &model.Response{
		Content: []model.Message{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "done"}}}},
	}}
	agentCtx := &fakePlannerContext{agentID: "triage", runID: "run-4", clients: map[string]model.Client{"claude": client}}
	p := &ModelPlanner{ModelID: "claude"}

	_, err := p.PlanResume(context.Background(), planner.PlanResumeInput{
		Messages:    []planner.AgentMessage{{Role: "user", Content: "search for weather"}},
		Agent:       agentCtx,
		Events:      &fakePlannerEvents{},
		ToolResults: []planner.ToolResult{{ToolCallID: "call-1", Result: "72F and sunny"}},
	})

	require.NoError(t, err)
	require.NotNil(t, client.lastReq)
	last := client.lastReq.Messages[len(client.lastReq.Messages)-1]
	require.Equal(t, model.ConversationRoleUser, last.Role)
	part, ok := last.Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	require.Equal(t, "call-1", part.ToolUseID)
	require.Equal(t, "72F and sunny", part.Content)
	require.False(t, part.IsError)
}

func TestModelPlanner_BuildMessages_DefaultsBlankRoleToUser(t *testing.T) {
	p := &ModelPlanner{}
	msgs := p.buildMessages([]planner.AgentMessage{{Content: "hi"}}, nil)
	require.Len(t, msgs, 1)
	require.Equal(t, model.ConversationRoleUser, msgs[0].Role)
}

func TestExtractText_ConcatenatesOnlyTextParts(t *testing.T) {
	msgs := []model.Message{{Parts: []model.Part{
		model.TextPart{Text: "hello "},
		model.ThinkingPart{Text: "internal reasoning, ignored"},
		model.TextPart{Text: "world"},
	}}}
	require.Equal(t, "hello world", extractText(msgs))
}
