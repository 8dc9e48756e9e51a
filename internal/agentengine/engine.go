package agentengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/attachment"
	"github.com/orchestra-labs/agentcore/internal/guardrail"
	"github.com/orchestra-labs/agentcore/internal/ledger"
	"github.com/orchestra-labs/agentcore/internal/session"
	"github.com/orchestra-labs/agentcore/internal/sse"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
	agent "github.com/orchestra-labs/agentcore/runtime/agent"
	"github.com/orchestra-labs/agentcore/runtime/agent/model"
	"github.com/orchestra-labs/agentcore/runtime/agent/planner"
	agentruntime "github.com/orchestra-labs/agentcore/runtime/agent/runtime"
)

// Engine sits between the HTTP boundary and a registered agent.Runtime,
// implementing the per-turn orchestration:
// conversation/session resolution, the guardrail pipeline, provider
// invocation, and usage/ledger recording.
type Engine struct {
	rt            *agentruntime.Runtime
	conversations *postgres.ConversationRepo
	ledgerRepo    *postgres.LedgerRepo
	ledgerWriter  *ledger.Writer
	sessions      *session.Manager
	usage         *postgres.UsageRepo
	guardrails    *guardrail.Runner
	pipelines     map[string]guardrail.PipelineConfig // keyed by agent ID; falls back to "" default
	attachments   *attachment.Engine                  // nil disables output-attachment ingestion
	events        *postgres.ConversationEventRepo      // nil disables internal-run-event recording
	provider      string                               // model provider name used for session resolution
	now           func() time.Time
}

// NewEngine constructs an Engine. pipelines maps agent ID to its resolved
// guardrail pipeline configuration; an entry under the empty string is used
// for agents without a specific override. ledgerWriter, attachments, and
// events may all be nil to run without durable stream recording,
// output-attachment ingestion, or internal-run-event recording (tests,
// local development).
func NewEngine(
	rt *agentruntime.Runtime,
	conversations *postgres.ConversationRepo,
	ledgerRepo *postgres.LedgerRepo,
	ledgerWriter *ledger.Writer,
	sessions *session.Manager,
	usage *postgres.UsageRepo,
	guardrails *guardrail.Runner,
	pipelines map[string]guardrail.PipelineConfig,
	attachments *attachment.Engine,
	events *postgres.ConversationEventRepo,
	provider string,
) *Engine {
	return &Engine{
		rt:            rt,
		conversations: conversations,
		ledgerRepo:    ledgerRepo,
		ledgerWriter:  ledgerWriter,
		sessions:      sessions,
		usage:         usage,
		guardrails:    guardrails,
		pipelines:     pipelines,
		attachments:   attachments,
		events:        events,
		provider:      provider,
		now:           time.Now,
	}
}

// TurnRequest is one inbound user turn against a conversation.
type TurnRequest struct {
	TenantID        uuid.UUID
	UserID          *uuid.UUID
	ConversationKey string
	AgentEntrypoint string
	UserText        string
	MemoryStrategy  session.MemoryStrategy
	// WorkflowRunID, when set, marks this turn as one step of a workflow run:
	// every ledger frame the turn produces is tagged with it so
	// ledger.Reader.Replay can filter to just this run's frames. Empty for a
	// plain chat turn.
	WorkflowRunID string
	// StreamFrame, when non-nil, is called synchronously for every
	// public_sse_v1 frame produced during the turn (guardrail_result, the
	// raw_response/run_item/lifecycle frames relayed by the FrameSink, and
	// final). RunTurn emits no error frame: a failed turn returns its error
	// and the final frame is not sent. When nil the turn runs to completion
	// without incremental streaming and only the final text is returned.
	StreamFrame func(ctx context.Context, f sse.Frame) error
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	ConversationID uuid.UUID
	SessionID      string
	Final          planner.AgentMessage
}

// pipelineFor returns the guardrail bundles configured for a stage on behalf
// of agentID, falling back to the default ("") pipeline when the agent has
// no specific override.
func (e *Engine) pipelineFor(agentID string, stage guardrail.Stage) []guardrail.Bundle {
	if cfg, ok := e.pipelines[agentID]; ok {
		if bundles, ok := cfg.Stages[stage]; ok {
			return bundles
		}
	}
	if cfg, ok := e.pipelines[""]; ok {
		return cfg.Stages[stage]
	}
	return nil
}

// runGuardrails runs stage against content and returns an *apperr.Error of
// kind KindGuardrailTriggered (code "guardrail_tripped") when a
// non-suppressed tripwire fires. The verdict is always returned so callers can stream a
// guardrail_result frame regardless of outcome.
func (e *Engine) runGuardrails(ctx context.Context, agentID string, stage guardrail.Stage, content string, history []string) (guardrail.Verdict, error) {
	bundles := e.pipelineFor(agentID, stage)
	if len(bundles) == 0 {
		return guardrail.Verdict{Stage: stage}, nil
	}
	verdict, err := e.guardrails.Run(ctx, stage, bundles, content, history)
	if err != nil {
		return verdict, fmt.Errorf("agentengine: guardrail stage %s: %w", stage, err)
	}
	if verdict.Tripped {
		return verdict, apperr.New(apperr.KindGuardrailTriggered, "guardrail_tripped", fmt.Sprintf("guardrail tripped at stage %s", stage))
	}
	return verdict, nil
}

func (e *Engine) emitGuardrailFrames(ctx context.Context, streamID, conversationID string, emit func(context.Context, sse.Frame) error, v guardrail.Verdict) error {
	if emit == nil {
		return nil
	}
	for _, res := range v.Results {
		frame := sse.New(sse.KindGuardrailResult, 0, streamID, conversationID, e.now(), sse.GuardrailResultPayload{
			GuardrailKey:      res.CheckKey,
			GuardrailStage:    string(v.Stage),
			TripwireTriggered: res.Result.TripwireTriggered,
			Suppressed:        res.Suppressed,
			Info:              res.Result.Info,
		})
		if err := emit(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// RunTurn resolves the conversation/session, runs the pre_flight and input
// guardrail stages, invokes the agent, runs the output guardrail stage on
// the final response, and persists usage/session state. Tool-input and
// tool-output guardrail stages run inside a toolset's PayloadAdapter/
// ResultAdapter hooks instead — see RegisterAgent/withToolGuardrails —
// because they fire per tool call, not once per turn.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	conv, err := e.conversations.GetOrCreate(ctx, req.TenantID, req.ConversationKey, req.AgentEntrypoint)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agentengine: resolving conversation: %w", err)
	}

	agentID := conv.ActiveAgent
	if agentID == "" {
		agentID = conv.AgentEntrypoint
	}

	streamID := uuid.New().String()

	if v, err := e.runGuardrails(ctx, agentID, guardrail.StagePreFlight, req.UserText, nil); err != nil {
		_ = e.emitGuardrailFrames(ctx, streamID, conv.ID.String(), req.StreamFrame, v)
		return TurnResult{}, err
	} else if err := e.emitGuardrailFrames(ctx, streamID, conv.ID.String(), req.StreamFrame, v); err != nil {
		return TurnResult{}, err
	}

	if v, err := e.runGuardrails(ctx, agentID, guardrail.StageInput, req.UserText, nil); err != nil {
		_ = e.emitGuardrailFrames(ctx, streamID, conv.ID.String(), req.StreamFrame, v)
		return TurnResult{}, err
	} else if err := e.emitGuardrailFrames(ctx, streamID, conv.ID.String(), req.StreamFrame, v); err != nil {
		return TurnResult{}, err
	}

	resolution, err := e.sessions.Resolve(ctx, conv.ID, e.provider, agentID, req.MemoryStrategy)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agentengine: resolving session: %w", err)
	}

	client, err := e.rt.Client(agent.Ident(agentID))
	if err != nil {
		return TurnResult{}, fmt.Errorf("agentengine: no client for agent %q: %w", agentID, err)
	}

	runUUID := uuid.New()
	runID := runUUID.String()
	runOpts := []agentruntime.RunOption{agentruntime.WithRunID(runID)}

	var seed int64
	if e.ledgerRepo != nil {
		if next, err := e.ledgerRepo.NextEventID(ctx, conv.ID); err == nil {
			seed = next
		}
	}
	var eventSeed int64
	if e.events != nil {
		if next, err := e.events.NextSequenceNo(ctx, conv.ID); err == nil {
			eventSeed = next
		}
	}
	emit := req.StreamFrame
	if emit == nil {
		emit = func(context.Context, sse.Frame) error { return nil }
	}
	var workflowRunID *uuid.UUID
	if req.WorkflowRunID != "" {
		if id, err := uuid.Parse(req.WorkflowRunID); err == nil {
			workflowRunID = &id
		}
	}
	sink := NewFrameSink(streamID, req.TenantID, conv.ID, ledger.NewSequencer(seed), e.ledgerWriter, emit, e.now, e.attachments, e.events, eventSeed, runID, agentID, workflowRunID)
	unsub, err := e.rt.SubscribeRun(ctx, runID, sink)
	if err == nil {
		defer unsub()
	}

	messages := []*model.Message{{
		Role:  model.ConversationRoleUser,
		Parts: []model.Part{model.TextPart{Text: req.UserText}},
	}}

	out, err := client.Run(ctx, resolution.SessionID, messages, runOpts...)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agentengine: run failed: %w", err)
	}

	finalText := out.Final.Content
	if v, err := e.runGuardrails(ctx, agentID, guardrail.StageOutput, finalText, nil); err != nil {
		if v.Redacted != "" {
			finalText = v.Redacted
			out.Final.Content = finalText
		}
		_ = e.emitGuardrailFrames(ctx, streamID, conv.ID.String(), req.StreamFrame, v)
	} else {
		if err := e.emitGuardrailFrames(ctx, streamID, conv.ID.String(), req.StreamFrame, v); err != nil {
			return TurnResult{}, err
		}
	}

	if err := e.sessions.Save(ctx, resolution); err != nil {
		return TurnResult{}, fmt.Errorf("agentengine: saving session state: %w", err)
	}

	if e.usage != nil {
		usage := sink.Usage()
		rec := postgres.RunUsageRecord{
			ConversationID: conv.ID,
			ResponseID:     runID,
			RunID:          &runUUID,
			AgentKey:       agentID,
			Provider:       e.provider,
			Requests:       1,
			InputTokens:    usage.InputTokens,
			OutputTokens:   usage.OutputTokens,
			IdempotencyKey: runID,
		}
		if err := e.usage.RecordRunUsage(ctx, req.TenantID, req.UserID, rec, e.now()); err != nil {
			return TurnResult{}, fmt.Errorf("agentengine: recording usage: %w", err)
		}
	}

	sink.RecordFinalMessage(ctx, finalText)

	if req.StreamFrame != nil {
		final := sse.New(sse.KindFinal, 0, streamID, conv.ID.String(), e.now(), sse.FinalPayload{
			ResponseText: finalText,
			Attachments:  sink.Attachments(),
		})
		if err := req.StreamFrame(ctx, final); err != nil {
			return TurnResult{}, err
		}
	}

	return TurnResult{ConversationID: conv.ID, SessionID: resolution.SessionID, Final: out.Final}, nil
}
