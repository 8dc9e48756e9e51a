package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validAgents() map[string]AgentDescriptor {
	return map[string]AgentDescriptor{
		"triage":    {Registered: true},
		"responder": {Registered: true},
		"delegator": {Registered: true, DeclaresHandoffs: true},
	}
}

func TestSpec_Validate_RequiresKey(t *testing.T) {
	s := Spec{Stages: []StageSpec{{Mode: StageSequential, Steps: []StepSpec{{AgentKey: "triage"}}}}}
	err := s.Validate(validAgents(), NewCallableRegistry())
	require.ErrorContains(t, err, "key is required")
}

func TestSpec_Validate_RequiresAtLeastOneStage(t *testing.T) {
	s := Spec{Key: "onboarding"}
	err := s.Validate(validAgents(), NewCallableRegistry())
	require.ErrorContains(t, err, "at least one stage")
}

func TestSpec_Validate_RejectsBadStageMode(t *testing.T) {
	s := Spec{Key: "onboarding", Stages: []StageSpec{{Name: "triage", Mode: "concurrent", Steps: []StepSpec{{AgentKey: "triage"}}}}}
	err := s.Validate(validAgents(), NewCallableRegistry())
	require.ErrorContains(t, err, "mode must be sequential or parallel")
}

func TestSpec_Validate_RequiresAtLeastOneStepPerStage(t *testing.T) {
	s := Spec{Key: "onboarding", Stages: []StageSpec{{Name: "empty", Mode: StageSequential}}}
	err := s.Validate(validAgents(), NewCallableRegistry())
	require.ErrorContains(t, err, "at least one step")
}

func TestSpec_Validate_RejectsUnregisteredAgent(t *testing.T) {
	s := Spec{Key: "onboarding", Stages: []StageSpec{{Name: "triage", Mode: StageSequential, Steps: []StepSpec{{AgentKey: "ghost"}}}}}
	err := s.Validate(validAgents(), NewCallableRegistry())
	require.ErrorContains(t, err, `agent "ghost" is not registered`)
}

func TestSpec_Validate_RejectsHandoffAgentWhenDisallowed(t *testing.T) {
	s := Spec{
		Key:                "onboarding",
		AllowHandoffAgents: false,
		Stages:             []StageSpec{{Name: "delegate", Mode: StageSequential, Steps: []StepSpec{{AgentKey: "delegator"}}}},
	}
	err := s.Validate(validAgents(), NewCallableRegistry())
	require.ErrorContains(t, err, "declares handoffs")
}

func TestSpec_Validate_AllowsHandoffAgentWhenPermitted(t *testing.T) {
	s := Spec{
		Key:                "onboarding",
		AllowHandoffAgents: true,
		Stages:             []StageSpec{{Name: "delegate", Mode: StageSequential, Steps: []StepSpec{{AgentKey: "delegator"}}}},
	}
	require.NoError(t, s.Validate(validAgents(), NewCallableRegistry()))
}

func TestSpec_Validate_RejectsUnregisteredReducer(t *testing.T) {
	s := Spec{
		Key: "onboarding",
		Stages: []StageSpec{{
			Name: "fanout", Mode: StageParallel, Reducer: "missing",
			Steps: []StepSpec{{AgentKey: "triage"}, {AgentKey: "responder"}},
		}},
	}
	err := s.Validate(validAgents(), NewCallableRegistry())
	require.ErrorContains(t, err, `reducer "missing" is not registered`)
}

func TestSpec_Validate_RejectsUnregisteredGuardAndInputMapper(t *testing.T) {
	callables := NewCallableRegistry()
	s := Spec{
		Key: "onboarding",
		Stages: []StageSpec{{
			Name: "triage", Mode: StageSequential,
			Steps: []StepSpec{{AgentKey: "triage", Guard: "missing_guard"}},
		}},
	}
	err := s.Validate(validAgents(), callables)
	require.ErrorContains(t, err, `guard "missing_guard" is not registered`)

	s.Stages[0].Steps[0].Guard = ""
	s.Stages[0].Steps[0].InputMapper = "missing_mapper"
	err = s.Validate(validAgents(), callables)
	require.ErrorContains(t, err, `input_mapper "missing_mapper" is not registered`)
}

func TestSpec_Validate_AcceptsFullyResolvedSpec(t *testing.T) {
	callables := NewCallableRegistry()
	callables.RegisterGuard("always", func(any, []StepResult) bool { return true })
	callables.RegisterInputMapper("identity", func(in any, _ []StepResult) (any, error) { return in, nil })
	callables.RegisterReducer("first", func(outs []StepResult, _ []StepResult) (any, error) { return outs[0].FinalOutput, nil })

	s := Spec{
		Key: "onboarding",
		Stages: []StageSpec{
			{
				Name: "triage", Mode: StageSequential,
				Steps: []StepSpec{{AgentKey: "triage", Guard: "always", InputMapper: "identity"}},
			},
			{
				Name: "fanout", Mode: StageParallel, Reducer: "first",
				Steps: []StepSpec{{AgentKey: "triage"}, {AgentKey: "responder"}},
			},
		},
	}
	require.NoError(t, s.Validate(validAgents(), callables))
}

func TestCallableRegistry_LookupMissReturnsFalse(t *testing.T) {
	callables := NewCallableRegistry()
	_, ok := callables.guard("nope")
	require.False(t, ok)
	_, ok = callables.mapper("nope")
	require.False(t, ok)
	_, ok = callables.reducer("nope")
	require.False(t, ok)
}
