package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// ConversationEvent is the relational projection of one run-item-level
// record within a conversation: a message, tool call, or tool output,
// addressed by a dense per-conversation sequence_no. This is the "internal
// run events" read path — a structured, role/agent/tool-aware view distinct
// from the ledger's opaque public_sse_v1 frame replay.
type ConversationEvent struct {
	ConversationID uuid.UUID
	SequenceNo     int64
	ResponseID     string
	RunItemType    string
	RunItemName    string
	Role           string
	Agent          string
	ToolCallID     string
	ToolName       string
	Model          string
	ContentText    string
	ReasoningText  string
	CallArguments  json.RawMessage
	CallOutput     json.RawMessage
	Attachments    json.RawMessage
	CreatedAt      time.Time
}

// ConversationEventRepo persists and pages ConversationEvent rows.
type ConversationEventRepo struct {
	store *Store
}

func NewConversationEventRepo(s *Store) *ConversationEventRepo {
	return &ConversationEventRepo{store: s}
}

// Append inserts ev. A repeated call with the same (conversation_id,
// response_id, sequence_no, tool_call_id, run_item_name) is a no-op, letting
// callers retry a best-effort append without risking a duplicate row.
func (r *ConversationEventRepo) Append(ctx context.Context, ev ConversationEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if len(ev.Attachments) == 0 {
		ev.Attachments = json.RawMessage("[]")
	}
	_, err := r.store.Pool.Exec(ctx,
		`INSERT INTO conversation_events
		 (conversation_id, sequence_no, response_id, run_item_type, run_item_name, role, agent,
		  tool_call_id, tool_name, model, content_text, reasoning_text, call_arguments, call_output, attachments, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT (conversation_id, response_id, sequence_no, tool_call_id, run_item_name) DO NOTHING`,
		ev.ConversationID, ev.SequenceNo, ev.ResponseID, ev.RunItemType, ev.RunItemName, nullIfEmpty(ev.Role), nullIfEmpty(ev.Agent),
		ev.ToolCallID, nullIfEmpty(ev.ToolName), nullIfEmpty(ev.Model), nullIfEmpty(ev.ContentText), nullIfEmpty(ev.ReasoningText),
		nullJSON(ev.CallArguments), nullJSON(ev.CallOutput), ev.Attachments, ev.CreatedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "conversation_event_append_failed", "failed to append conversation event", err)
	}
	return nil
}

// Page returns an ordered page of events for conversationID with
// sequence_no > afterSeq, plus the next afterSeq cursor (nil on the last
// page).
func (r *ConversationEventRepo) Page(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]ConversationEvent, *int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.store.Pool.Query(ctx,
		`SELECT conversation_id, sequence_no, response_id, run_item_type, run_item_name, coalesce(role,''), coalesce(agent,''),
		        tool_call_id, coalesce(tool_name,''), coalesce(model,''), coalesce(content_text,''), coalesce(reasoning_text,''),
		        call_arguments, call_output, attachments, created_at
		 FROM conversation_events
		 WHERE conversation_id = $1 AND sequence_no > $2
		 ORDER BY sequence_no ASC
		 LIMIT $3`,
		conversationID, afterSeq, limit+1,
	)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "conversation_events_query_failed", "failed to page conversation events", err)
	}
	defer rows.Close()

	var out []ConversationEvent
	for rows.Next() {
		var ev ConversationEvent
		if err := rows.Scan(&ev.ConversationID, &ev.SequenceNo, &ev.ResponseID, &ev.RunItemType, &ev.RunItemName, &ev.Role, &ev.Agent,
			&ev.ToolCallID, &ev.ToolName, &ev.Model, &ev.ContentText, &ev.ReasoningText,
			&ev.CallArguments, &ev.CallOutput, &ev.Attachments, &ev.CreatedAt); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "conversation_event_scan_failed", "failed to scan conversation event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "conversation_events_query_failed", "failed to page conversation events", err)
	}

	var next *int64
	if len(out) > limit {
		out = out[:limit]
		n := out[len(out)-1].SequenceNo
		next = &n
	}
	return out, next, nil
}

// NextSequenceNo returns the next unused sequence_no for conversationID, for
// seeding an in-process per-stream counter the same way
// ledger.LedgerRepo.NextEventID seeds the ledger sequencer.
func (r *ConversationEventRepo) NextSequenceNo(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var next int64
	err := r.store.Pool.QueryRow(ctx,
		`SELECT coalesce(max(sequence_no), 0) + 1 FROM conversation_events WHERE conversation_id = $1`, conversationID,
	).Scan(&next)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "conversation_event_seed_failed", "failed to seed conversation event sequence", err)
	}
	return next, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
