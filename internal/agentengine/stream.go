package agentengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/attachment"
	"github.com/orchestra-labs/agentcore/internal/ledger"
	"github.com/orchestra-labs/agentcore/internal/sse"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
	"github.com/orchestra-labs/agentcore/runtime/agent/model"
	"github.com/orchestra-labs/agentcore/runtime/agent/stream"
)

// FrameSink adapts the runtime's stream.Sink contract into public_sse_v1
// frames: each incoming stream.Event is translated to an sse.Frame, handed
// to emit (the live SSE writer), and durably recorded via the ledger.
//
// One FrameSink is constructed per streamed run. EventID assignment comes
// from a single per-stream ledger.Sequencer so the envelope delivered to the
// client and the row persisted by the Writer always agree.
type FrameSink struct {
	streamID       string
	conversationID uuid.UUID
	tenantID       uuid.UUID
	workflowRunID  *uuid.UUID // non-nil when this turn is a workflow step, for ledger replay filtering
	seq            *ledger.Sequencer
	writer         *ledger.Writer
	emit           func(ctx context.Context, f sse.Frame) error
	now            func() time.Time
	usage          model.TokenUsage

	// attachments ingests image-generation and container-file-citation tool
	// outputs. It is nil-safe: a run with no attachment.Engine wired
	// in simply never produces attachment frames.
	attachments          *attachment.Engine
	seenToolCalls        map[string]bool
	seenContainerFiles   map[string]bool
	collectedAttachments []sse.Attachment

	// events records run-item-level rows (tool calls, tool results, the
	// final message) to the structured "internal run events" read path,
	// separate from the opaque ledger frame replay. Nil disables recording.
	events   *postgres.ConversationEventRepo
	eventSeq int64
	runID    string
	agentKey string
}

// NewFrameSink constructs a FrameSink. emit is called synchronously for
// every frame before it is handed to the ledger writer, so a blocked or
// slow client naturally back-pressures the run. attachments and events may
// be nil to run without output-attachment ingestion or conversation-event
// recording.
func NewFrameSink(
	streamID string, tenantID, conversationID uuid.UUID,
	seq *ledger.Sequencer, writer *ledger.Writer,
	emit func(ctx context.Context, f sse.Frame) error, now func() time.Time,
	attachments *attachment.Engine,
	events *postgres.ConversationEventRepo, eventSeqSeed int64,
	runID, agentKey string,
	workflowRunID *uuid.UUID,
) *FrameSink {
	if now == nil {
		now = time.Now
	}
	return &FrameSink{
		streamID: streamID, tenantID: tenantID, conversationID: conversationID,
		workflowRunID: workflowRunID,
		seq:           seq, writer: writer, emit: emit, now: now, attachments: attachments,
		seenToolCalls: make(map[string]bool), seenContainerFiles: make(map[string]bool),
		events: events, eventSeq: eventSeqSeed, runID: runID, agentKey: agentKey,
	}
}

// Send implements stream.Sink.
func (s *FrameSink) Send(ctx context.Context, event stream.Event) error {
	frame, ok := s.translate(ctx, event)
	if !ok {
		return nil
	}
	frame.EventID = s.seq.Next()
	frame.StreamID = s.streamID
	frame.ConversationID = s.conversationID.String()

	if err := s.emit(ctx, frame); err != nil {
		return err
	}

	if s.writer != nil {
		payload, err := json.Marshal(frame.Payload)
		if err != nil {
			payload = json.RawMessage("null")
		}
		s.writer.Append(ctx, ledger.Frame{
			ConversationID: s.conversationID,
			TenantID:       s.tenantID,
			EventID:        frame.EventID,
			StreamID:       frame.StreamID,
			WorkflowRunID:  s.workflowRunID,
			Kind:           string(frame.Kind),
			Payload:        payload,
		})
	}
	return nil
}

// Close implements stream.Sink. The FrameSink holds no transport resources
// of its own; the HTTP boundary's SSE writer owns the connection lifecycle.
func (s *FrameSink) Close(ctx context.Context) error { return nil }

// Usage returns the token usage accumulated from stream.Usage events seen so
// far. Callers read this after the run completes to record billing usage.
func (s *FrameSink) Usage() model.TokenUsage { return s.usage }

// Attachments returns every output attachment ingested over the course of
// the stream, in ingestion order, for callers that attach them to the
// persisted final message.
func (s *FrameSink) Attachments() []sse.Attachment { return s.collectedAttachments }

func (s *FrameSink) translate(ctx context.Context, event stream.Event) (sse.Frame, bool) {
	now := s.now()
	switch e := event.(type) {
	case stream.AssistantReply:
		return s.frame(sse.KindRawResponse, now, sse.RawResponsePayload{
			DeltaText: e.Data.Text,
			RawType:   "assistant_reply",
		}), true

	case stream.ToolStart:
		s.recordEvent(ctx, conversationEventFields{
			runItemType:   "tool_call",
			toolCallID:    e.Data.ToolCallID,
			toolName:      e.Data.ToolName,
			callArguments: e.Data.Payload,
		})
		return s.frame(sse.KindRunItem, now, sse.RunItemPayload{
			ItemType: "tool_call",
			ToolCall: &sse.ToolCallSummary{
				ToolCallID: e.Data.ToolCallID,
				ToolName:   e.Data.ToolName,
				Payload:    e.Data.Payload,
			},
		}), true

	case stream.ToolEnd:
		summary := &sse.ToolCallSummary{
			ToolCallID: e.Data.ToolCallID,
			ToolName:   e.Data.ToolName,
			Result:     e.Data.Result,
		}
		if e.Data.Error != nil {
			summary.Error = e.Data.Error.Error()
		}
		atts := s.ingestToolResultAttachments(ctx, e.Data.ToolCallID, e.Data.Result)
		s.recordEvent(ctx, conversationEventFields{
			runItemType: "tool_result",
			toolCallID:  e.Data.ToolCallID,
			toolName:    e.Data.ToolName,
			callOutput:  e.Data.Result,
			attachments: atts,
		})
		return s.frame(sse.KindRunItem, now, sse.RunItemPayload{
			ItemType:    "tool_result",
			ToolCall:    summary,
			Attachments: atts,
		}), true

	case stream.Workflow:
		return s.frame(sse.KindLifecycle, now, sse.LifecyclePayload{
			Event: e.Data.Phase,
		}), true

	case stream.Usage:
		s.usage.InputTokens += e.Data.InputTokens
		s.usage.OutputTokens += e.Data.OutputTokens
		s.usage.TotalTokens += e.Data.TotalTokens
		s.usage.CacheReadTokens += e.Data.CacheReadTokens
		s.usage.CacheWriteTokens += e.Data.CacheWriteTokens
		return s.frame(sse.KindLifecycle, now, sse.LifecyclePayload{
			Event: "usage",
			Extra: map[string]any{
				"input_tokens":  e.Data.InputTokens,
				"output_tokens": e.Data.OutputTokens,
				"total_tokens":  e.Data.TotalTokens,
			},
		}), true

	case stream.PlannerThought:
		return s.frame(sse.KindLifecycle, now, sse.LifecyclePayload{
			Event: "planner_thought",
			Extra: map[string]any{"note": e.Data.Note, "text": e.Data.Text},
		}), true

	case stream.RunStreamEnd:
		return s.frame(sse.KindLifecycle, now, sse.LifecyclePayload{Event: "run_stream_end"}), true

	default:
		// Lower-traffic or session/child-linking events are not surfaced as
		// first-class public_sse_v1 kinds; they don't have an analogue in
		// the frame kind enum and clients don't parse them today.
		return sse.Frame{}, false
	}
}

func (s *FrameSink) frame(kind sse.Kind, now time.Time, payload any) sse.Frame {
	return sse.New(kind, 0, s.streamID, s.conversationID.String(), now, payload)
}

// conversationEventFields is the subset of a ConversationEvent that varies
// per run-item kind; recordEvent fills in the fields common to the whole
// stream (conversation, response id, agent).
type conversationEventFields struct {
	runItemType   string
	role          string
	contentText   string
	reasoningText string
	toolCallID    string
	toolName      string
	callArguments json.RawMessage
	callOutput    json.RawMessage
	attachments   []sse.Attachment
}

// recordEvent best-effort appends a conversation_events row. A recording
// failure never fails the run: the row is a secondary, queryable projection
// of state the ledger already durably recorded.
func (s *FrameSink) recordEvent(ctx context.Context, f conversationEventFields) {
	if s.events == nil {
		return
	}
	var attJSON json.RawMessage
	if len(f.attachments) > 0 {
		if b, err := json.Marshal(f.attachments); err == nil {
			attJSON = b
		}
	}
	s.eventSeq++
	_ = s.events.Append(ctx, postgres.ConversationEvent{
		ConversationID: s.conversationID,
		SequenceNo:     s.eventSeq,
		ResponseID:     s.runID,
		RunItemType:    f.runItemType,
		Role:           f.role,
		Agent:          s.agentKey,
		ToolCallID:     f.toolCallID,
		ToolName:       f.toolName,
		ContentText:    f.contentText,
		ReasoningText:  f.reasoningText,
		CallArguments:  f.callArguments,
		CallOutput:     f.callOutput,
		Attachments:    attJSON,
	})
}

// RecordFinalMessage appends the conversation's terminal assistant message
// as a conversation event. Callers invoke this once the run has fully
// completed and the final (possibly guardrail-redacted) text is known.
func (s *FrameSink) RecordFinalMessage(ctx context.Context, responseText string) {
	s.recordEvent(ctx, conversationEventFields{
		runItemType: "message",
		role:        "assistant",
		contentText: responseText,
		attachments: s.collectedAttachments,
	})
}

// toolResultShape is the subset of a tool result's JSON this sink inspects
// to recognize an image-generation call or container-file citations worth
// ingesting as attachments. Tool results that match neither shape are
// passed through untouched.
type toolResultShape struct {
	Type      string `json:"type"`
	Result    string `json:"result"`
	Format    string `json:"format"`
	Citations []struct {
		ContainerFileID string `json:"container_file_id"`
	} `json:"citations"`
}

// ingestToolResultAttachments inspects a completed tool call's result for an
// embedded image-generation payload or container-file citations and, when
// an attachment.Engine is wired in, persists and dedupes them. Ingestion
// failures are logged by the caller's best-effort conventions elsewhere in
// the stack; here they simply drop the attachment rather than failing the
// stream, since a missed attachment is recoverable from the object store
// directly and should never abort an in-flight run.
func (s *FrameSink) ingestToolResultAttachments(ctx context.Context, toolCallID string, result json.RawMessage) []sse.Attachment {
	if s.attachments == nil || len(result) == 0 {
		return nil
	}
	var shape toolResultShape
	if err := json.Unmarshal(result, &shape); err != nil {
		return nil
	}

	var out []sse.Attachment

	if shape.Type == "image_generation_call" && shape.Result != "" {
		atts, err := s.attachments.IngestImageOutputs(ctx, s.tenantID, []attachment.ImageOutput{{
			ToolCallID: toolCallID, Base64Data: shape.Result, Format: shape.Format,
		}}, s.seenToolCalls)
		if err == nil {
			for _, a := range atts {
				out = append(out, toSSEAttachment(a))
			}
		}
	}

	if len(shape.Citations) > 0 {
		citations := make([]attachment.ContainerCitation, 0, len(shape.Citations))
		for _, c := range shape.Citations {
			citations = append(citations, attachment.ContainerCitation{ContainerFileID: c.ContainerFileID})
		}
		atts, err := s.attachments.IngestContainerCitations(ctx, s.tenantID, citations, s.seenContainerFiles)
		if err == nil {
			for _, a := range atts {
				out = append(out, toSSEAttachment(a))
			}
		}
	}

	s.collectedAttachments = append(s.collectedAttachments, out...)
	return out
}

func toSSEAttachment(a attachment.ConversationAttachment) sse.Attachment {
	return sse.Attachment{
		ObjectID:      a.ObjectID,
		Filename:      a.Filename,
		MimeType:      a.MimeType,
		SizeBytes:     a.SizeBytes,
		ToolCallID:    a.ToolCallID,
		ContainerFile: a.ContainerFileID,
		PresignedURL:  a.PresignedURL,
	}
}
