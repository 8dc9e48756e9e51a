// Package sse defines the public_sse_v1 wire envelope shared by the agent
// execution engine, the workflow engine, and ledger replay, plus the
// Server-Sent Events line encoding clients parse by `kind`.
package sse

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates the public_sse_v1 frame kinds. Clients dispatch on Kind
// alone; there are no SSE event names or retry fields on the wire.
type Kind string

const (
	KindRawResponse     Kind = "raw_response"
	KindRunItem         Kind = "run_item"
	KindAgentUpdate     Kind = "agent_update"
	KindLifecycle       Kind = "lifecycle"
	KindGuardrailResult Kind = "guardrail_result"
	KindFinal           Kind = "final"
	KindError           Kind = "error"
)

// WorkflowMeta augments a frame's envelope when it was produced by the
// workflow execution engine. Omitted entirely for plain chat streams.
type WorkflowMeta struct {
	WorkflowKey   string `json:"workflow_key"`
	WorkflowRunID string `json:"workflow_run_id"`
	StepName      string `json:"step_name,omitempty"`
	StepAgent     string `json:"step_agent,omitempty"`
	StageName     string `json:"stage_name,omitempty"`
	ParallelGroup string `json:"parallel_group,omitempty"`
	BranchIndex   *int   `json:"branch_index,omitempty"`
}

// Frame is the public_sse_v1 envelope. Payload carries the kind-specific
// body (RawResponsePayload, RunItemPayload, ...) and is embedded flat into
// the marshaled JSON object rather than nested under a "payload" key, so
// clients can read fields like response_text directly off the frame.
type Frame struct {
	Schema          string        `json:"schema"`
	Kind            Kind          `json:"kind"`
	EventID         int64         `json:"event_id"`
	StreamID        string        `json:"stream_id"`
	ServerTimestamp string        `json:"server_timestamp"`
	ConversationID  string        `json:"conversation_id"`
	ResponseID      string        `json:"response_id,omitempty"`
	Agent           string        `json:"agent,omitempty"`
	Workflow        *WorkflowMeta `json:"workflow,omitempty"`
	Payload         any           `json:"-"`
}

const schemaName = "public_sse_v1"

// New builds a Frame with the envelope fields populated and Payload set to
// the kind-specific body. ServerTimestamp is stamped with the supplied now
// (callers pass time.Now().UTC() — workflow scripts and tests can substitute
// a fixed clock).
func New(kind Kind, eventID int64, streamID, conversationID string, now time.Time, payload any) Frame {
	return Frame{
		Schema:          schemaName,
		Kind:            kind,
		EventID:         eventID,
		StreamID:        streamID,
		ServerTimestamp: now.Format("2006-01-02T15:04:05.000Z07:00"),
		ConversationID:  conversationID,
		Payload:         payload,
	}
}

// MarshalJSON flattens Payload's fields alongside the envelope fields so the
// wire format is flat (no nested "payload" key).
func (f Frame) MarshalJSON() ([]byte, error) {
	envelope, err := json.Marshal(struct {
		Schema          string        `json:"schema"`
		Kind            Kind          `json:"kind"`
		EventID         int64         `json:"event_id"`
		StreamID        string        `json:"stream_id"`
		ServerTimestamp string        `json:"server_timestamp"`
		ConversationID  string        `json:"conversation_id"`
		ResponseID      string        `json:"response_id,omitempty"`
		Agent           string        `json:"agent,omitempty"`
		Workflow        *WorkflowMeta `json:"workflow,omitempty"`
	}{f.Schema, f.Kind, f.EventID, f.StreamID, f.ServerTimestamp, f.ConversationID, f.ResponseID, f.Agent, f.Workflow})
	if err != nil {
		return nil, err
	}
	if f.Payload == nil {
		return envelope, nil
	}
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, err
	}
	return mergeObjects(envelope, payload)
}

// mergeObjects shallow-merges two JSON objects, with b's keys winning on
// conflict. Both must marshal top-level JSON objects.
func mergeObjects(a, b []byte) ([]byte, error) {
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, err
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}

// Encode renders a frame as an SSE `data: <json>\n\n` line.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("data: %s\n\n", body)), nil
}

// Heartbeat is the SSE comment line sent when no payload is ready within the
// heartbeat interval. Heartbeats are never ledger-recorded.
var Heartbeat = []byte(":\n\n")

type (
	// RawResponsePayload carries a text/reasoning delta straight from the
	// provider. Never terminal alone.
	RawResponsePayload struct {
		DeltaText     string `json:"delta_text,omitempty"`
		DeltaThinking string `json:"delta_thinking,omitempty"`
		RawType       string `json:"raw_type"`
	}

	// RunItemPayload carries a completed run-item (message, tool_call,
	// tool_output, reasoning, ...).
	RunItemPayload struct {
		ItemType         string           `json:"item_type"`
		ResponseText     string           `json:"response_text,omitempty"`
		StructuredOutput any              `json:"structured_output,omitempty"`
		ToolCall         *ToolCallSummary `json:"tool_call,omitempty"`
		Annotations      []Annotation     `json:"annotations,omitempty"`
		Attachments      []Attachment     `json:"attachments,omitempty"`
	}

	// ToolCallSummary is the run_item payload's view of a tool invocation.
	ToolCallSummary struct {
		ToolCallID string          `json:"tool_call_id"`
		ToolName   string          `json:"tool_name"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
		Error      string          `json:"error,omitempty"`
	}

	// Annotation is a planner-supplied note attached to a run item.
	Annotation struct {
		Text   string            `json:"text"`
		Labels map[string]string `json:"labels,omitempty"`
	}

	// Attachment describes an input or output attachment surfaced on a
	// frame — a presigned download plus the metadata needed to render it.
	Attachment struct {
		ObjectID      string `json:"object_id"`
		Filename      string `json:"filename,omitempty"`
		MimeType      string `json:"mime_type,omitempty"`
		SizeBytes     int64  `json:"size_bytes,omitempty"`
		ToolCallID    string `json:"tool_call_id,omitempty"`
		ContainerFile string `json:"container_file_id,omitempty"`
		PresignedURL  string `json:"presigned_url,omitempty"`
	}

	// AgentUpdatePayload carries a handoff event.
	AgentUpdatePayload struct {
		NewAgent    string `json:"new_agent"`
		DisplayName string `json:"display_name,omitempty"`
	}

	// LifecyclePayload carries tool_start/tool_end/memory_compaction/cancellation/...
	// events. Fields beyond Event are kind-specific and carried in Extra.
	LifecyclePayload struct {
		Event          string         `json:"event"`
		ToolCallID     string         `json:"tool_call_id,omitempty"`
		ToolName       string         `json:"tool_name,omitempty"`
		CompactedCount int            `json:"compacted_count,omitempty"`
		Extra          map[string]any `json:"extra,omitempty"`
	}

	// GuardrailResultPayload reports a single guardrail check's outcome.
	GuardrailResultPayload struct {
		GuardrailKey        string         `json:"guardrail_key"`
		GuardrailStage      string         `json:"guardrail_stage"`
		TripwireTriggered   bool           `json:"guardrail_tripwire_triggered"`
		Suppressed          bool           `json:"guardrail_suppressed"`
		TokenUsage          *TokenUsage    `json:"guardrail_token_usage,omitempty"`
		Info                map[string]any `json:"info,omitempty"`
	}

	// TokenUsage mirrors model.TokenUsage for wire payloads that should not
	// import the runtime model package directly.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// FinalPayload is the terminal success frame.
	FinalPayload struct {
		ResponseText     string       `json:"response_text,omitempty"`
		StructuredOutput any          `json:"structured_output,omitempty"`
		Attachments      []Attachment `json:"attachments,omitempty"`
	}

	// ErrorPayload is the terminal failure frame.
	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)
