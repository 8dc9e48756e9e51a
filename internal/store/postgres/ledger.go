package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// LedgerEvent is the relational projection of the LedgerEvent
// (public SSE frame record).
type LedgerEvent struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	TenantID          uuid.UUID
	EventID           int64
	StreamID          string
	WorkflowRunID     *uuid.UUID
	Kind              string
	PayloadInlineJSON []byte // set when PayloadObjectRef == ""
	PayloadObjectRef  string
	PayloadSizeBytes  int
	PayloadSHA256     string
	CreatedAt         time.Time
}

// LedgerRepo appends and reads LedgerEvent rows, guaranteeing the
// monotonic-per-conversation event_id invariant by serializing appends
// through a row lock on the conversation.
type LedgerRepo struct {
	store *Store
}

func NewLedgerRepo(s *Store) *LedgerRepo { return &LedgerRepo{store: s} }

// Append inserts the next LedgerEvent for a conversation. It locks the
// conversation row for the duration of the transaction so concurrent appends
// for the same conversation serialize and never assign the same event_id
// twice — the "ledger appends are serialized per conversation" invariant.
//
// Append is idempotent on (conversation_id, event_id): if the caller already
// knows the event_id to use (a retry of a previously-attempted append), pass
// it via ev.EventID > 0 and a conflicting insert is treated as success.
func (r *LedgerRepo) Append(ctx context.Context, ev LedgerEvent) (LedgerEvent, error) {
	tx, err := r.store.Pool.Begin(ctx)
	if err != nil {
		return LedgerEvent{}, apperr.Wrap(apperr.KindInternal, "tx_begin_failed", "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// SELECT ... FOR UPDATE on the conversation row is the serialization
	// point: every appender for this conversation queues here.
	if _, err := tx.Exec(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, ev.ConversationID); err != nil {
		return LedgerEvent{}, apperr.Wrap(apperr.KindInternal, "conversation_lock_failed", "failed to lock conversation", err)
	}

	if ev.EventID == 0 {
		var next int64
		err := tx.QueryRow(ctx,
			`SELECT coalesce(max(event_id), 0) + 1 FROM ledger_events WHERE conversation_id = $1`, ev.ConversationID,
		).Scan(&next)
		if err != nil {
			return LedgerEvent{}, apperr.Wrap(apperr.KindInternal, "event_id_alloc_failed", "failed to allocate event_id", err)
		}
		ev.EventID = next
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var inline any
	if ev.PayloadObjectRef == "" {
		inline = ev.PayloadInlineJSON
	}
	var objRef any
	if ev.PayloadObjectRef != "" {
		objRef = ev.PayloadObjectRef
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_events
		 (id, conversation_id, tenant_id, event_id, stream_id, workflow_run_id, kind,
		  payload_inline_json, payload_object_ref, payload_size_bytes, payload_sha256, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (conversation_id, event_id) DO NOTHING`,
		ev.ID, ev.ConversationID, ev.TenantID, ev.EventID, ev.StreamID, ev.WorkflowRunID, ev.Kind,
		inline, objRef, ev.PayloadSizeBytes, ev.PayloadSHA256, ev.CreatedAt,
	)
	if err != nil {
		return LedgerEvent{}, apperr.Wrap(apperr.KindInternal, "ledger_insert_failed", "failed to append ledger event", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return LedgerEvent{}, apperr.Wrap(apperr.KindInternal, "tx_commit_failed", "failed to commit ledger append", err)
	}
	return ev, nil
}

// NextEventID seeds an in-process event_id sequencer for a conversation's
// stream. It is a plain read (no row lock): the returned value only needs to
// be a safe starting point, because the caller owns the per-stream sequence
// single-threaded from here on and passes each assigned id to Append, which
// trusts a caller-supplied EventID instead of auto-allocating one.
func (r *LedgerRepo) NextEventID(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var next int64
	err := r.store.Pool.QueryRow(ctx,
		`SELECT coalesce(max(event_id), 0) + 1 FROM ledger_events WHERE conversation_id = $1`, conversationID,
	).Scan(&next)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "event_id_seed_failed", "failed to seed event_id sequence", err)
	}
	return next, nil
}

// Cursor is an opaque keyset-pagination position: the last event_id seen.
type Cursor struct {
	AfterEventID int64
}

// Page lists ledger events for a conversation after the cursor, ascending by
// event_id, bounded by limit. The returned cursor is nil when the page is
// the last one (standard keyset pagination: no COUNT(*), no OFFSET).
func (r *LedgerRepo) Page(ctx context.Context, conversationID uuid.UUID, after Cursor, limit int) ([]LedgerEvent, *Cursor, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.store.Pool.Query(ctx,
		`SELECT id, conversation_id, tenant_id, event_id, stream_id, workflow_run_id, kind,
		        coalesce(payload_inline_json, 'null'), coalesce(payload_object_ref, ''),
		        payload_size_bytes, coalesce(payload_sha256, ''), created_at
		 FROM ledger_events
		 WHERE conversation_id = $1 AND event_id > $2
		 ORDER BY event_id ASC
		 LIMIT $3`,
		conversationID, after.AfterEventID, limit+1,
	)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "ledger_page_failed", "failed to list ledger events", err)
	}
	defer rows.Close()

	var events []LedgerEvent
	for rows.Next() {
		var ev LedgerEvent
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.TenantID, &ev.EventID, &ev.StreamID, &ev.WorkflowRunID, &ev.Kind,
			&ev.PayloadInlineJSON, &ev.PayloadObjectRef, &ev.PayloadSizeBytes, &ev.PayloadSHA256, &ev.CreatedAt); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "ledger_scan_failed", "failed to scan ledger event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "ledger_rows_failed", "failed iterating ledger events", err)
	}

	var next *Cursor
	if len(events) > limit {
		events = events[:limit]
		next = &Cursor{AfterEventID: events[len(events)-1].EventID}
	}
	return events, next, nil
}
