package workflow

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStepName_DefaultsToAgentKey(t *testing.T) {
	require.Equal(t, "triage", stepName(StepSpec{AgentKey: "triage"}))
	require.Equal(t, "first_pass", stepName(StepSpec{Name: "first_pass", AgentKey: "triage"}))
}

func TestWorkflowMeta_SequentialStepOmitsBranchIndex(t *testing.T) {
	runID := uuid.New()
	res := StepResult{StageName: "triage", StepName: "triage", AgentKey: "triage"}

	m := workflowMeta("onboarding", runID, res)

	require.Equal(t, "onboarding", m.WorkflowKey)
	require.Equal(t, runID.String(), m.WorkflowRunID)
	require.Equal(t, "triage", m.StepName)
	require.Equal(t, "triage", m.StepAgent)
	require.Equal(t, "triage", m.StageName)
	require.Empty(t, m.ParallelGroup)
	require.Nil(t, m.BranchIndex)
}

func TestWorkflowMeta_ParallelStepSetsBranchIndex(t *testing.T) {
	runID := uuid.New()
	res := StepResult{StageName: "fanout", StepName: "responder", AgentKey: "responder", ParallelGroup: "fanout", BranchIndex: 1}

	m := workflowMeta("onboarding", runID, res)

	require.Equal(t, "fanout", m.ParallelGroup)
	require.NotNil(t, m.BranchIndex)
	require.Equal(t, 1, *m.BranchIndex)
}
