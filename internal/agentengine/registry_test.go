package agentengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	agent "github.com/orchestra-labs/agentcore/runtime/agent"
	agentruntime "github.com/orchestra-labs/agentcore/runtime/agent/runtime"
	"github.com/orchestra-labs/agentcore/runtime/agent/tools"
)

func TestCollectToolSpecs_FlattensAcrossToolsets(t *testing.T) {
	toolsets := []agentruntime.ToolsetRegistration{
		{Specs: []tools.ToolSpec{{Name: "a.search", Toolset: "a"}, {Name: "a.fetch", Toolset: "a"}}},
		{Specs: []tools.ToolSpec{{Name: "b.lookup", Toolset: "b"}}},
	}

	specs := collectToolSpecs(toolsets)

	require.Len(t, specs, 3)
	require.Equal(t, tools.Ident("a.search"), specs[0].Name)
	require.Equal(t, tools.Ident("a.fetch"), specs[1].Name)
	require.Equal(t, tools.Ident("b.lookup"), specs[2].Name)
}

func TestCollectToolSpecs_EmptyToolsetsYieldsNil(t *testing.T) {
	require.Nil(t, collectToolSpecs(nil))
}

func TestRegister_RejectsBlankAgentID(t *testing.T) {
	rt := agentruntime.New()
	err := Register(context.Background(), rt, AgentSpec{})
	require.ErrorContains(t, err, "agent id is required")
}

func TestRegister_BuildsRegistrationAroundModelPlanner(t *testing.T) {
	rt := agentruntime.New()
	spec := AgentSpec{
		ID:           "support.triage",
		ModelID:      "claude",
		SystemPrompt: "triage incoming requests",
		Toolsets: []agentruntime.ToolsetRegistration{
			{Specs: []tools.ToolSpec{{Name: "support.lookup", Toolset: "support"}}},
		},
	}

	require.NoError(t, Register(context.Background(), rt, spec))

	agents := rt.ListAgents()
	require.Contains(t, agents, agent.Ident("support.triage"))
}
