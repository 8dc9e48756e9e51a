package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/orchestra-labs/agentcore/internal/agentengine"
	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/sse"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
)

// Engine runs declared Spec workflows on top of agentengine.Engine, recording
// each step to postgres.WorkflowRepo and streaming sse.Frame events carrying
// sse.WorkflowMeta.
type Engine struct {
	agents        *agentengine.Engine
	workflows     *postgres.WorkflowRepo
	conversations *postgres.ConversationRepo
	callables     *CallableRegistry
	specs         map[string]Spec
	// schemas holds every compiled output_schema document, keyed by
	// outputSchemaKey(specKey, stageName, stepName) for step-level schemas and
	// specKey alone for the workflow's own final OutputSchema. Compiling
	// happens once, at Register time, so a malformed schema document is a
	// startup-time error rather than something discovered mid-run.
	schemas map[string]*jsonschema.Schema
	mu      sync.RWMutex
	cancels sync.Map // uuid.UUID -> context.CancelFunc, one entry per in-flight run
	now     func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(agents *agentengine.Engine, workflows *postgres.WorkflowRepo, conversations *postgres.ConversationRepo, callables *CallableRegistry) *Engine {
	return &Engine{
		agents:        agents,
		workflows:     workflows,
		conversations: conversations,
		callables:     callables,
		specs:         make(map[string]Spec),
		schemas:       make(map[string]*jsonschema.Schema),
		now:           time.Now,
	}
}

// Register validates spec against the supplied agent descriptors, compiles
// every declared output_schema document (the workflow's own and each step's),
// and adds spec to the engine's registry, keyed by Spec.Key.
func (e *Engine) Register(spec Spec, agents map[string]AgentDescriptor) error {
	if err := spec.Validate(agents, e.callables); err != nil {
		return err
	}

	compiled := make(map[string]*jsonschema.Schema)
	if spec.OutputSchema != nil {
		schema, err := compileOutputSchema(spec.Key, spec.OutputSchema)
		if err != nil {
			return err
		}
		compiled[spec.Key] = schema
	}
	for _, stage := range spec.Stages {
		for _, step := range stage.Steps {
			if step.OutputSchema == nil {
				continue
			}
			key := outputSchemaKey(spec.Key, stage.Name, stepName(step))
			schema, err := compileOutputSchema(key, step.OutputSchema)
			if err != nil {
				return err
			}
			compiled[key] = schema
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs[spec.Key] = spec
	for k, s := range compiled {
		e.schemas[k] = s
	}
	return nil
}

// compileOutputSchema compiles an output_schema document (a decoded JSON
// value, or raw JSON bytes) under resourceID.
func compileOutputSchema(resourceID string, doc any) (*jsonschema.Schema, error) {
	resource := doc
	if raw, ok := doc.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("workflow: unmarshal output_schema for %q: %w", resourceID, err)
		}
		resource = decoded
	} else if raw, ok := doc.([]byte); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("workflow: unmarshal output_schema for %q: %w", resourceID, err)
		}
		resource = decoded
	}

	url := resourceID + ".output_schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, resource); err != nil {
		return nil, fmt.Errorf("workflow: add output_schema resource for %q: %w", resourceID, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("workflow: compile output_schema for %q: %w", resourceID, err)
	}
	return schema, nil
}

// outputSchemaKey identifies one step's compiled output_schema within a
// workflow spec.
func outputSchemaKey(specKey, stageName, stepName string) string {
	return specKey + "/" + stageName + "/" + stepName
}

// outputSchemaFor returns the compiled schema for a step, if one was
// registered.
func (e *Engine) outputSchemaFor(specKey, stageName, stepName string) (*jsonschema.Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.schemas[outputSchemaKey(specKey, stageName, stepName)]
	return s, ok
}

// finalOutputSchemaFor returns the compiled schema for a workflow's own
// final output, if one was registered.
func (e *Engine) finalOutputSchemaFor(specKey string) (*jsonschema.Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.schemas[specKey]
	return s, ok
}

// Catalog returns every registered Spec, for the workflow listing endpoint.
// Order is unspecified; callers that need a stable order sort by Key.
func (e *Engine) Catalog() []Spec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Spec, 0, len(e.specs))
	for _, s := range e.specs {
		out = append(out, s)
	}
	return out
}

// RequestCancel cancels the in-flight run identified by runID, if one is
// currently registered. It returns false when the run is not known (already
// terminal, or never existed) — that case is a no-op for the caller, not an
// error: cancelling an already-finished run is expected, not exceptional.
func (e *Engine) RequestCancel(runID uuid.UUID) bool {
	v, ok := e.cancels.Load(runID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// RunRequest starts one execution of a registered workflow.
type RunRequest struct {
	TenantID        uuid.UUID
	UserID          uuid.UUID
	WorkflowKey     string
	ConversationKey string
	Input           any
	// StreamFrame, when non-nil, receives every public_sse_v1 frame produced
	// during the run (one per step plus the terminal final/error frame).
	StreamFrame func(ctx context.Context, f sse.Frame) error
	// Cancel, when non-nil, is polled between stages and between steps within
	// a sequential stage. A true result aborts the run with a cancelled
	// status and a terminal error frame.
	Cancel func() bool
}

// RunResult is the terminal outcome of a workflow run.
type RunResult struct {
	RunID          uuid.UUID
	ConversationID uuid.UUID
	Status         postgres.WorkflowRunStatus
	FinalOutput    any
	FinalText      string
	Steps          []StepResult
}

// Run executes spec's stages against input, recording every step to the
// workflow store and streaming per-step events.
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	e.mu.RLock()
	spec, ok := e.specs[req.WorkflowKey]
	e.mu.RUnlock()
	if !ok {
		return RunResult{}, apperr.New(apperr.KindNotFound, "workflow_not_registered", fmt.Sprintf("workflow %q is not registered", req.WorkflowKey))
	}

	runID := uuid.New()
	cancelToken := uuid.New().String()
	startedAt := e.now()

	runCtx, cancelRun := context.WithCancel(ctx)
	e.cancels.Store(runID, cancelRun)
	defer func() { e.cancels.Delete(runID); cancelRun() }()
	ctx = runCtx

	conv, err := e.conversations.GetOrCreate(ctx, req.TenantID, req.ConversationKey, spec.Key)
	if err != nil {
		return RunResult{}, fmt.Errorf("workflow: resolving conversation: %w", err)
	}
	convID := conv.ID

	if err := e.workflows.Start(ctx, postgres.WorkflowRun{
		ID:                runID,
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		WorkflowKey:       spec.Key,
		StartedAt:         startedAt,
		ConversationID:    &convID,
		CancellationToken: cancelToken,
	}); err != nil {
		return RunResult{}, fmt.Errorf("workflow: starting run: %w", err)
	}

	streamID := runID.String()
	var allSteps []StepResult
	currentInput := req.Input
	seq := 0

	finish := func(status postgres.WorkflowRunStatus, finalText string, finalStructured any) (RunResult, error) {
		var structuredJSON json.RawMessage
		if finalStructured != nil {
			if b, err := json.Marshal(finalStructured); err == nil {
				structuredJSON = b
			}
		}
		if err := e.workflows.Finish(ctx, runID, status, finalText, structuredJSON, e.now()); err != nil {
			return RunResult{}, fmt.Errorf("workflow: finishing run: %w", err)
		}
		return RunResult{RunID: runID, ConversationID: e.conversationIDFor(req), Status: status, FinalOutput: finalStructured, FinalText: finalText, Steps: allSteps}, nil
	}

	for _, stage := range spec.Stages {
		if e.cancelled(ctx, req) {
			e.emitCancelled(ctx, req, streamID, spec.Key, runID)
			_ = e.workflows.Cancel(ctx, runID, e.now())
			return RunResult{RunID: runID, ConversationID: e.conversationIDFor(req), Status: postgres.WorkflowRunCancelled, Steps: allSteps}, nil
		}

		var stageOut any
		var stageSteps []StepResult
		var err error

		switch stage.Mode {
		case StageParallel:
			stageOut, stageSteps, seq, err = e.runParallelStage(ctx, req, spec, stage, currentInput, allSteps, streamID, runID, seq)
		default:
			stageOut, stageSteps, seq, err = e.runSequentialStage(ctx, req, spec, stage, currentInput, allSteps, streamID, runID, seq)
		}
		if err != nil {
			if e.cancelled(ctx, req) {
				allSteps = append(allSteps, stageSteps...)
				e.emitCancelled(ctx, req, streamID, spec.Key, runID)
				_ = e.workflows.Cancel(ctx, runID, e.now())
				return RunResult{RunID: runID, ConversationID: e.conversationIDFor(req), Status: postgres.WorkflowRunCancelled, Steps: allSteps}, nil
			}
			e.emitError(ctx, req, streamID, spec.Key, runID, err)
			_ = e.workflows.Finish(ctx, runID, postgres.WorkflowRunFailed, "", nil, e.now())
			return RunResult{}, err
		}

		allSteps = append(allSteps, stageSteps...)
		currentInput = stageOut
	}

	if schema, ok := e.finalOutputSchemaFor(spec.Key); ok {
		if err := schema.Validate(currentInput); err != nil {
			verr := apperr.Wrap(apperr.KindValidation, "output_schema_validation_failed",
				fmt.Sprintf("workflow %q: final output failed output_schema validation", spec.Key), err)
			e.emitError(ctx, req, streamID, spec.Key, runID, verr)
			_ = e.workflows.Finish(ctx, runID, postgres.WorkflowRunFailed, "", nil, e.now())
			return RunResult{}, verr
		}
	}

	finalText, _ := currentInput.(string)
	result, err := finish(postgres.WorkflowRunSucceeded, finalText, currentInput)
	if err != nil {
		return RunResult{}, err
	}

	if req.StreamFrame != nil {
		frame := sse.New(sse.KindFinal, 0, streamID, e.conversationIDFor(req).String(), e.now(), sse.FinalPayload{
			ResponseText:     finalText,
			StructuredOutput: currentInput,
		})
		frame.Workflow = &sse.WorkflowMeta{WorkflowKey: spec.Key, WorkflowRunID: runID.String()}
		if err := req.StreamFrame(ctx, frame); err != nil {
			return RunResult{}, err
		}
	}

	return result, nil
}

func (e *Engine) conversationIDFor(req RunRequest) uuid.UUID {
	return postgres.DeriveConversationID(req.TenantID, req.ConversationKey)
}

// cancelled reports whether the run should stop: either its context was
// cancelled (via RequestCancel, an out-of-band API call against a run this
// caller no longer directly controls) or the caller's own Cancel poll fired.
func (e *Engine) cancelled(ctx context.Context, req RunRequest) bool {
	if ctx.Err() != nil {
		return true
	}
	return req.Cancel != nil && req.Cancel()
}

func (e *Engine) emitError(ctx context.Context, req RunRequest, streamID, workflowKey string, runID uuid.UUID, err error) {
	if req.StreamFrame == nil {
		return
	}
	code := "workflow_step_failed"
	if kind := apperr.KindOf(err); kind != apperr.KindInternal {
		code = string(kind)
	}
	frame := sse.New(sse.KindError, 0, streamID, e.conversationIDFor(req).String(), e.now(), sse.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	})
	frame.Workflow = &sse.WorkflowMeta{WorkflowKey: workflowKey, WorkflowRunID: runID.String()}
	_ = req.StreamFrame(ctx, frame)
}

func (e *Engine) emitCancelled(ctx context.Context, req RunRequest, streamID, workflowKey string, runID uuid.UUID) {
	if req.StreamFrame == nil {
		return
	}
	frame := sse.New(sse.KindError, 0, streamID, e.conversationIDFor(req).String(), e.now(), sse.ErrorPayload{
		Code:    "cancelled",
		Message: "workflow run was cancelled",
	})
	frame.Workflow = &sse.WorkflowMeta{WorkflowKey: workflowKey, WorkflowRunID: runID.String()}
	_ = req.StreamFrame(ctx, frame)
}

// runSequentialStage executes stage.Steps in order, threading current_input
// from one step's final output to the next.
func (e *Engine) runSequentialStage(
	ctx context.Context,
	req RunRequest,
	spec Spec,
	stage StageSpec,
	stageInput any,
	priorSteps []StepResult,
	streamID string,
	runID uuid.UUID,
	seq int,
) (any, []StepResult, int, error) {
	current := stageInput
	var results []StepResult

	for _, step := range stage.Steps {
		if e.cancelled(ctx, req) {
			return current, results, seq, fmt.Errorf("workflow: cancelled during stage %q", stage.Name)
		}

		priorForGuard := append(append([]StepResult{}, priorSteps...), results...)

		if step.Guard != "" {
			guard, _ := e.callables.guard(step.Guard)
			if !guard(current, priorForGuard) {
				res := StepResult{StageName: stage.Name, StepName: stepName(step), AgentKey: step.AgentKey, Skipped: true, FinalOutput: current}
				seq++
				e.recordStep(ctx, runID, seq, res, postgres.StepSkipped)
				e.streamStepSkipped(ctx, req, streamID, spec.Key, runID, stage.Name, step)
				results = append(results, res)
				continue
			}
		}

		stepInput := current
		if step.InputMapper != "" {
			mapper, _ := e.callables.mapper(step.InputMapper)
			mapped, err := mapper(current, priorForGuard)
			if err != nil {
				return current, results, seq, fmt.Errorf("workflow: input_mapper %q: %w", step.InputMapper, err)
			}
			stepInput = mapped
		}

		res, err := e.invokeStep(ctx, req, spec, stage, step, stepInput, "", 0, runID)
		if err != nil {
			return current, results, seq, err
		}
		seq++
		e.recordStep(ctx, runID, seq, res, postgres.StepSucceeded)
		e.streamStepResult(ctx, req, streamID, spec.Key, runID, res)
		results = append(results, res)
		current = res.FinalOutput
	}

	return current, results, seq, nil
}

// runParallelStage computes each branch's input independently, runs all
// surviving branches concurrently, and reduces their outputs. Results are
// returned in original branch order regardless of completion order.
func (e *Engine) runParallelStage(
	ctx context.Context,
	req RunRequest,
	spec Spec,
	stage StageSpec,
	stageInput any,
	priorSteps []StepResult,
	streamID string,
	runID uuid.UUID,
	seq int,
) (any, []StepResult, int, error) {
	type branchOutcome struct {
		res   StepResult
		err   error
	}

	n := len(stage.Steps)
	outcomes := make([]branchOutcome, n)
	groupName := stage.Name

	var wg sync.WaitGroup
	for i, step := range stage.Steps {
		i, step := i, step

		if step.Guard != "" {
			guard, _ := e.callables.guard(step.Guard)
			if !guard(stageInput, priorSteps) {
				outcomes[i] = branchOutcome{res: StepResult{
					StageName: stage.Name, StepName: stepName(step), AgentKey: step.AgentKey,
					ParallelGroup: groupName, BranchIndex: i, Skipped: true, FinalOutput: stageInput,
				}}
				continue
			}
		}

		branchInput := stageInput
		if step.InputMapper != "" {
			mapper, _ := e.callables.mapper(step.InputMapper)
			mapped, err := mapper(stageInput, priorSteps)
			if err != nil {
				outcomes[i] = branchOutcome{err: fmt.Errorf("workflow: input_mapper %q: %w", step.InputMapper, err)}
				continue
			}
			branchInput = mapped
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.invokeStep(ctx, req, spec, stage, step, branchInput, groupName, i, runID)
			outcomes[i] = branchOutcome{res: res, err: err}
		}()
	}
	wg.Wait()

	results := make([]StepResult, 0, n)
	for i, oc := range outcomes {
		if oc.err != nil {
			return stageInput, results, seq, oc.err
		}
		seq++
		status := postgres.StepSucceeded
		if oc.res.Skipped {
			status = postgres.StepSkipped
		}
		e.recordStep(ctx, runID, seq, oc.res, status)
		if oc.res.Skipped {
			e.streamStepSkipped(ctx, req, streamID, spec.Key, runID, stage.Name, stage.Steps[i])
		} else {
			e.streamStepResult(ctx, req, streamID, spec.Key, runID, oc.res)
		}
		results = append(results, oc.res)
	}

	var out any
	var err error
	if stage.Reducer != "" {
		reducer, _ := e.callables.reducer(stage.Reducer)
		out, err = reducer(results, priorSteps)
		if err != nil {
			return stageInput, results, seq, fmt.Errorf("workflow: reducer %q: %w", stage.Reducer, err)
		}
	} else if len(results) == 1 {
		out = results[0].FinalOutput
	} else {
		// No reducer with more than one surviving branch: pass the full
		// branch-ordered result set through so the next stage's input_mapper
		// can make sense of it.
		out = results
	}

	return out, results, seq, nil
}

func (e *Engine) invokeStep(ctx context.Context, req RunRequest, spec Spec, stage StageSpec, step StepSpec, input any, parallelGroup string, branchIndex int, runID uuid.UUID) (StepResult, error) {
	text, ok := input.(string)
	if !ok {
		b, err := json.Marshal(input)
		if err != nil {
			return StepResult{}, fmt.Errorf("workflow: marshaling step %q input: %w", stepName(step), err)
		}
		text = string(b)
	}

	out, err := e.agents.RunTurn(ctx, agentengine.TurnRequest{
		TenantID:        req.TenantID,
		UserID:          &req.UserID,
		ConversationKey: req.ConversationKey,
		AgentEntrypoint: step.AgentKey,
		UserText:        text,
		WorkflowRunID:   runID.String(),
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("workflow: step %q (agent %q): %w", stepName(step), step.AgentKey, err)
	}

	var structured any
	if step.OutputSchema != nil {
		var parsed any
		if err := json.Unmarshal([]byte(out.Final.Content), &parsed); err != nil {
			return StepResult{}, apperr.Wrap(apperr.KindValidation, "output_schema_validation_failed",
				fmt.Sprintf("workflow: step %q (agent %q): output is not valid JSON", stepName(step), step.AgentKey), err)
		} else {
			structured = parsed
		}
		if schema, ok := e.outputSchemaFor(spec.Key, stage.Name, stepName(step)); ok {
			if err := schema.Validate(structured); err != nil {
				return StepResult{}, apperr.Wrap(apperr.KindValidation, "output_schema_validation_failed",
					fmt.Sprintf("workflow: step %q (agent %q): output failed output_schema validation", stepName(step), step.AgentKey), err)
			}
		}
	}

	final := out.Final.Content
	if structured != nil {
		final = structured
	}

	return StepResult{
		StageName:     stage.Name,
		StepName:      stepName(step),
		AgentKey:      step.AgentKey,
		ParallelGroup: parallelGroup,
		BranchIndex:   branchIndex,
		ResponseText:  out.Final.Content,
		Structured:    structured,
		FinalOutput:   final,
	}, nil
}

func (e *Engine) recordStep(ctx context.Context, runID uuid.UUID, seq int, res StepResult, status postgres.WorkflowStepStatus) {
	var branchIdx *int
	if res.ParallelGroup != "" {
		idx := res.BranchIndex
		branchIdx = &idx
	}
	var structuredJSON []byte
	if res.Structured != nil {
		if b, err := json.Marshal(res.Structured); err == nil {
			structuredJSON = b
		}
	}
	_ = e.workflows.UpsertStep(ctx, postgres.WorkflowStepResult{
		RunID:            runID,
		SequenceNo:       seq,
		StepName:         res.StepName,
		AgentKey:         res.AgentKey,
		StageName:        res.StageName,
		ParallelGroup:    res.ParallelGroup,
		BranchIndex:      branchIdx,
		ResponseText:     res.ResponseText,
		StructuredOutput: structuredJSON,
		Status:           status,
	})
}

func (e *Engine) streamStepResult(ctx context.Context, req RunRequest, streamID, workflowKey string, runID uuid.UUID, res StepResult) {
	if req.StreamFrame == nil {
		return
	}
	frame := sse.New(sse.KindRunItem, 0, streamID, e.conversationIDFor(req).String(), e.now(), sse.RunItemPayload{
		ItemType:         "workflow_step",
		ResponseText:     res.ResponseText,
		StructuredOutput: res.Structured,
	})
	frame.Workflow = workflowMeta(workflowKey, runID, res)
	_ = req.StreamFrame(ctx, frame)
}

func (e *Engine) streamStepSkipped(ctx context.Context, req RunRequest, streamID, workflowKey string, runID uuid.UUID, stageName string, step StepSpec) {
	if req.StreamFrame == nil {
		return
	}
	frame := sse.New(sse.KindLifecycle, 0, streamID, e.conversationIDFor(req).String(), e.now(), sse.LifecyclePayload{
		Event: "step_skipped",
	})
	frame.Workflow = &sse.WorkflowMeta{
		WorkflowKey:   workflowKey,
		WorkflowRunID: runID.String(),
		StepName:      stepName(step),
		StepAgent:     step.AgentKey,
		StageName:     stageName,
	}
	_ = req.StreamFrame(ctx, frame)
}

func workflowMeta(workflowKey string, runID uuid.UUID, res StepResult) *sse.WorkflowMeta {
	m := &sse.WorkflowMeta{
		WorkflowKey:   workflowKey,
		WorkflowRunID: runID.String(),
		StepName:      res.StepName,
		StepAgent:     res.AgentKey,
		StageName:     res.StageName,
		ParallelGroup: res.ParallelGroup,
	}
	if res.ParallelGroup != "" {
		idx := res.BranchIndex
		m.BranchIndex = &idx
	}
	return m
}

func stepName(step StepSpec) string {
	if step.Name != "" {
		return step.Name
	}
	return step.AgentKey
}
