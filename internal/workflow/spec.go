// Package workflow implements the workflow execution engine:
// declared multi-agent pipelines composed of sequential or parallel stages,
// each stage a list of steps that invoke one registered agent apiece.
package workflow

import "fmt"

// StageMode selects how a stage's steps are executed.
type StageMode string

const (
	StageSequential StageMode = "sequential"
	StageParallel   StageMode = "parallel"
)

// Guard decides whether a step runs at all. It receives the stage's current
// input and the results recorded by prior steps/stages; a false return skips
// the step and passes currentInput through unchanged.
type Guard func(currentInput any, priorSteps []StepResult) bool

// InputMapper derives a step's actual input from the stage's current input
// and prior step results.
type InputMapper func(currentInput any, priorSteps []StepResult) (any, error)

// Reducer combines a parallel stage's branch outputs (plus prior step
// results) into the single input passed to the next stage.
type Reducer func(outputs []StepResult, priorSteps []StepResult) (any, error)

// StepSpec is one agent invocation within a stage.
type StepSpec struct {
	// Name identifies the step within its stage for recording/streaming.
	// Defaults to the agent key when empty.
	Name string
	// AgentKey must name a registered agent.
	AgentKey string
	// Guard, when set, is looked up in the Engine's CallableRegistry by name.
	Guard string
	// InputMapper, when set, is looked up in the Engine's CallableRegistry by name.
	InputMapper string
	// MaxTurns caps the number of planner turns the agent may take for this
	// step. Zero means the agent's own default applies.
	MaxTurns int
	// OutputSchema, when set, is validated against the step's structured
	// output (nil disables validation).
	OutputSchema any
}

// StageSpec is one sequential-or-parallel group of steps.
type StageSpec struct {
	Name string
	Mode StageMode
	// Reducer is looked up in the Engine's CallableRegistry by name. Only
	// meaningful for parallel stages with more than one surviving branch.
	Reducer string
	Steps   []StepSpec
}

// Spec is a declared, registry-validated workflow.
type Spec struct {
	Key                 string
	DisplayName         string
	Description         string
	Default             bool
	AllowHandoffAgents  bool
	Stages              []StageSpec
	OutputSchema        any
}

// AgentDescriptor is the subset of an agent's registration metadata the
// workflow engine needs to validate step references against, without
// reaching into the agent runtime's internal registration state.
type AgentDescriptor struct {
	// Registered is true when the agent key names an agent actually
	// registered with the runtime.
	Registered bool
	// DeclaresHandoffs is true when the agent's own descriptor declares
	// handoff tools (sub-agent delegation). Workflows with
	// AllowHandoffAgents=false reject steps naming such agents.
	DeclaresHandoffs bool
}

// CallableRegistry resolves the named guards/mappers/reducers a Spec
// references. Go has no dotted-path dynamic import, so named Go funcs
// registered here stand in for the "importable callable" the distilled spec
// describes — the same substitution internal/guardrail makes for check keys.
type CallableRegistry struct {
	guards   map[string]Guard
	mappers  map[string]InputMapper
	reducers map[string]Reducer
}

// NewCallableRegistry constructs an empty CallableRegistry.
func NewCallableRegistry() *CallableRegistry {
	return &CallableRegistry{
		guards:   make(map[string]Guard),
		mappers:  make(map[string]InputMapper),
		reducers: make(map[string]Reducer),
	}
}

func (r *CallableRegistry) RegisterGuard(name string, g Guard)         { r.guards[name] = g }
func (r *CallableRegistry) RegisterInputMapper(name string, m InputMapper) { r.mappers[name] = m }
func (r *CallableRegistry) RegisterReducer(name string, red Reducer)   { r.reducers[name] = red }

func (r *CallableRegistry) guard(name string) (Guard, bool) {
	g, ok := r.guards[name]
	return g, ok
}

func (r *CallableRegistry) mapper(name string) (InputMapper, bool) {
	m, ok := r.mappers[name]
	return m, ok
}

func (r *CallableRegistry) reducer(name string) (Reducer, bool) {
	red, ok := r.reducers[name]
	return red, ok
}

// Validate checks a Spec against the registered agents and callables,
// matching the registry-load validation rule: every step's agent_key
// must be registered, disallowed-handoff workflows reject agents whose
// descriptors declare handoffs, and every named guard/mapper/reducer must
// resolve.
func (s Spec) Validate(agents map[string]AgentDescriptor, callables *CallableRegistry) error {
	if s.Key == "" {
		return fmt.Errorf("workflow: key is required")
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("workflow %q: at least one stage is required", s.Key)
	}
	for _, stage := range s.Stages {
		if stage.Mode != StageSequential && stage.Mode != StageParallel {
			return fmt.Errorf("workflow %q: stage %q: mode must be sequential or parallel, got %q", s.Key, stage.Name, stage.Mode)
		}
		if len(stage.Steps) == 0 {
			return fmt.Errorf("workflow %q: stage %q: at least one step is required", s.Key, stage.Name)
		}
		if stage.Reducer != "" {
			if _, ok := callables.reducer(stage.Reducer); !ok {
				return fmt.Errorf("workflow %q: stage %q: reducer %q is not registered", s.Key, stage.Name, stage.Reducer)
			}
		}
		for _, step := range stage.Steps {
			desc, ok := agents[step.AgentKey]
			if !ok || !desc.Registered {
				return fmt.Errorf("workflow %q: stage %q: agent %q is not registered", s.Key, stage.Name, step.AgentKey)
			}
			if !s.AllowHandoffAgents && desc.DeclaresHandoffs {
				return fmt.Errorf("workflow %q: stage %q: agent %q declares handoffs, disallowed by this workflow", s.Key, stage.Name, step.AgentKey)
			}
			if step.Guard != "" {
				if _, ok := callables.guard(step.Guard); !ok {
					return fmt.Errorf("workflow %q: stage %q: guard %q is not registered", s.Key, stage.Name, step.Guard)
				}
			}
			if step.InputMapper != "" {
				if _, ok := callables.mapper(step.InputMapper); !ok {
					return fmt.Errorf("workflow %q: stage %q: input_mapper %q is not registered", s.Key, stage.Name, step.InputMapper)
				}
			}
		}
	}
	return nil
}

// StepResult records one executed (or skipped) step's outcome.
type StepResult struct {
	StageName     string
	StepName      string
	AgentKey      string
	ParallelGroup string
	BranchIndex   int
	Skipped       bool
	ResponseText  string
	Structured    any
	FinalOutput   any
}
