package postgres

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// conversationNamespace seeds the deterministic UUIDv5 derivation of a
// conversation's canonical id from its tenant-scoped conversation_key, so
// clients may pass an opaque stable key and still have the system own the
// canonical id.
var conversationNamespace = uuid.MustParse("7a6e6b9e-4b7a-4f1a-9b0a-7a7c7a7c7a7c")

// DeriveConversationID computes the canonical conversation id for a
// (tenantID, conversationKey) pair. The derivation is pure and idempotent:
// calling it twice with the same inputs always yields the same id.
func DeriveConversationID(tenantID uuid.UUID, conversationKey string) uuid.UUID {
	return uuid.NewSHA1(conversationNamespace, append([]byte(tenantID.String()+":"), conversationKey...))
}

// Conversation is the relational projection of the Conversation entity.
type Conversation struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ConversationKey string
	AgentEntrypoint string
	ActiveAgent     string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	MessageCount    int64
}

// ConversationRepo provides conversation and ledger-segment access.
type ConversationRepo struct {
	store *Store
}

func NewConversationRepo(s *Store) *ConversationRepo { return &ConversationRepo{store: s} }

// GetOrCreate resolves conversationKey to its canonical conversation, creating
// the row (plus its first active segment) on first use. The insert and
// segment creation happen in one transaction so a conversation never exists
// without an active segment.
func (r *ConversationRepo) GetOrCreate(ctx context.Context, tenantID uuid.UUID, conversationKey, agentEntrypoint string) (Conversation, error) {
	id := DeriveConversationID(tenantID, conversationKey)

	var c Conversation
	err := r.store.Pool.QueryRow(ctx,
		`SELECT id, tenant_id, conversation_key, agent_entrypoint, coalesce(active_agent,''), status, created_at, updated_at, message_count
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.TenantID, &c.ConversationKey, &c.AgentEntrypoint, &c.ActiveAgent, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount)
	if err == nil {
		if c.TenantID != tenantID {
			return Conversation{}, apperr.ErrConversationMismatch
		}
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.Wrap(apperr.KindInternal, "conversation_lookup_failed", "failed to load conversation", err)
	}

	tx, err := r.store.Pool.Begin(ctx)
	if err != nil {
		return Conversation{}, apperr.Wrap(apperr.KindInternal, "tx_begin_failed", "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, conversation_key, agent_entrypoint, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'active', $5, $5)
		 ON CONFLICT (id) DO NOTHING`,
		id, tenantID, conversationKey, agentEntrypoint, now,
	)
	if err != nil {
		return Conversation{}, apperr.Wrap(apperr.KindInternal, "conversation_insert_failed", "failed to create conversation", err)
	}
	segID := uuid.New()
	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_ledger_segments (id, conversation_id, segment_index) VALUES ($1, $2, 0)
		 ON CONFLICT DO NOTHING`,
		segID, id,
	)
	if err != nil {
		return Conversation{}, apperr.Wrap(apperr.KindInternal, "segment_insert_failed", "failed to create initial segment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, apperr.Wrap(apperr.KindInternal, "tx_commit_failed", "failed to commit conversation creation", err)
	}

	return Conversation{
		ID: id, TenantID: tenantID, ConversationKey: conversationKey,
		AgentEntrypoint: agentEntrypoint, Status: "active", CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetByID loads a conversation by its canonical id, enforcing tenant scoping:
// a row that exists but belongs to another tenant is reported identically to
// a missing row (apperr.ErrConversationMismatch), so callers can't probe for
// existence across tenants.
func (r *ConversationRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (Conversation, error) {
	var c Conversation
	err := r.store.Pool.QueryRow(ctx,
		`SELECT id, tenant_id, conversation_key, agent_entrypoint, coalesce(active_agent,''), status, created_at, updated_at, message_count
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.TenantID, &c.ConversationKey, &c.AgentEntrypoint, &c.ActiveAgent, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.ErrConversationMismatch
	}
	if err != nil {
		return Conversation{}, apperr.Wrap(apperr.KindInternal, "conversation_lookup_failed", "failed to load conversation", err)
	}
	if c.TenantID != tenantID {
		return Conversation{}, apperr.ErrConversationMismatch
	}
	return c, nil
}

// Delete marks a conversation archived rather than removing its row: the
// ledger and run_usage history it anchors must survive for audit and
// billing even after the conversation itself is retired.
func (r *ConversationRepo) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.store.Pool.Exec(ctx,
		`UPDATE conversations SET status = 'archived', updated_at = now() WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "conversation_delete_failed", "failed to close conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrConversationMismatch
	}
	return nil
}

// ActiveSegment is the currently writable ledger segment of a conversation.
type ActiveSegment struct {
	ID            uuid.UUID
	SegmentIndex  int
	NextPosition  int
}

// ActiveSegment returns the one segment with truncated_at IS NULL, and the
// next dense message position within it.
func (r *ConversationRepo) ActiveSegment(ctx context.Context, conversationID uuid.UUID) (ActiveSegment, error) {
	var seg ActiveSegment
	err := r.store.Pool.QueryRow(ctx,
		`SELECT s.id, s.segment_index, coalesce(max(m.position) + 1, 0)
		 FROM conversation_ledger_segments s
		 LEFT JOIN conversation_messages m ON m.segment_id = s.id
		 WHERE s.conversation_id = $1 AND s.truncated_at IS NULL
		 GROUP BY s.id, s.segment_index`, conversationID,
	).Scan(&seg.ID, &seg.SegmentIndex, &seg.NextPosition)
	if errors.Is(err, pgx.ErrNoRows) {
		return ActiveSegment{}, apperr.New(apperr.KindInternal, "no_active_segment", "conversation has no active segment")
	}
	if err != nil {
		return ActiveSegment{}, apperr.Wrap(apperr.KindInternal, "segment_lookup_failed", "failed to load active segment", err)
	}
	return seg, nil
}

// Truncate closes the current active segment and opens a new one in a single
// serializable transaction, so the "exactly one active segment" invariant
// never has a visible gap or overlap.
func (r *ConversationRepo) Truncate(ctx context.Context, conversationID uuid.UUID, visibleThroughEventID int64, visibleThroughPosition int) (ActiveSegment, error) {
	tx, err := r.store.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return ActiveSegment{}, apperr.Wrap(apperr.KindInternal, "tx_begin_failed", "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var curID uuid.UUID
	var curIndex int
	err = tx.QueryRow(ctx,
		`SELECT id, segment_index FROM conversation_ledger_segments
		 WHERE conversation_id = $1 AND truncated_at IS NULL FOR UPDATE`, conversationID,
	).Scan(&curID, &curIndex)
	if err != nil {
		return ActiveSegment{}, apperr.Wrap(apperr.KindInternal, "active_segment_lock_failed", "failed to lock active segment", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE conversation_ledger_segments
		 SET truncated_at = $2, visible_through_event_id = $3, visible_through_message_position = $4
		 WHERE id = $1`,
		curID, now, visibleThroughEventID, visibleThroughPosition,
	)
	if err != nil {
		return ActiveSegment{}, apperr.Wrap(apperr.KindInternal, "segment_truncate_failed", "failed to truncate segment", err)
	}

	newID := uuid.New()
	newIndex := curIndex + 1
	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_ledger_segments (id, conversation_id, segment_index, parent_segment_id)
		 VALUES ($1, $2, $3, $4)`,
		newID, conversationID, newIndex, curID,
	)
	if err != nil {
		return ActiveSegment{}, apperr.Wrap(apperr.KindInternal, "segment_insert_failed", "failed to open new segment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ActiveSegment{}, apperr.Wrap(apperr.KindInternal, "tx_commit_failed", "failed to commit truncation", err)
	}
	return ActiveSegment{ID: newID, SegmentIndex: newIndex, NextPosition: 0}, nil
}

// ConversationListCursor is the keyset pagination cursor for List and Search:
// the (created_at, id) of the last row on the previous page. The zero value
// starts from the most recent conversation.
type ConversationListCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// EncodeConversationListCursor renders a cursor as the opaque token clients
// pass back as ?cursor=.
func EncodeConversationListCursor(c ConversationListCursor) string {
	raw := fmt.Sprintf("%d|%s", c.CreatedAt.UnixNano(), c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeConversationListCursor parses a client-supplied cursor token. An
// empty token decodes to the zero cursor (start of the list).
func DecodeConversationListCursor(token string) (ConversationListCursor, error) {
	if token == "" {
		return ConversationListCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ConversationListCursor{}, apperr.New(apperr.KindValidation, "invalid_cursor", "cursor is not valid")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return ConversationListCursor{}, apperr.New(apperr.KindValidation, "invalid_cursor", "cursor is not valid")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ConversationListCursor{}, apperr.New(apperr.KindValidation, "invalid_cursor", "cursor is not valid")
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return ConversationListCursor{}, apperr.New(apperr.KindValidation, "invalid_cursor", "cursor is not valid")
	}
	return ConversationListCursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ListFilter narrows List and Search results. AgentEntrypoint and
// UpdatedAfter apply to List; Query (matched against conversation_key and
// agent_entrypoint) applies to Search. Either caller may set either field —
// the two endpoints share one query builder because the underlying shape is
// identical.
type ListFilter struct {
	AgentEntrypoint string
	UpdatedAfter    *time.Time
	Query           string
}

// List returns a page of tenantID's conversations ordered most-recently
// created first, plus the cursor for the next page (nil on the last page).
func (r *ConversationRepo) List(ctx context.Context, tenantID uuid.UUID, filter ListFilter, after ConversationListCursor, limit int) ([]Conversation, *ConversationListCursor, error) {
	return r.listWhere(ctx, tenantID, filter, after, limit)
}

// Search is List with a free-text filter against conversation_key and
// agent_entrypoint; it shares List's keyset pagination semantics.
func (r *ConversationRepo) Search(ctx context.Context, tenantID uuid.UUID, query string, after ConversationListCursor, limit int) ([]Conversation, *ConversationListCursor, error) {
	return r.listWhere(ctx, tenantID, ListFilter{Query: query}, after, limit)
}

func (r *ConversationRepo) listWhere(ctx context.Context, tenantID uuid.UUID, filter ListFilter, after ConversationListCursor, limit int) ([]Conversation, *ConversationListCursor, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `SELECT id, tenant_id, conversation_key, agent_entrypoint, coalesce(active_agent,''), status, created_at, updated_at, message_count
		FROM conversations WHERE tenant_id = ` + arg(tenantID)

	if filter.AgentEntrypoint != "" {
		query += " AND agent_entrypoint = " + arg(filter.AgentEntrypoint)
	}
	if filter.UpdatedAfter != nil {
		query += " AND updated_at > " + arg(*filter.UpdatedAfter)
	}
	if filter.Query != "" {
		like := "%" + filter.Query + "%"
		query += " AND (conversation_key ILIKE " + arg(like) + " OR agent_entrypoint ILIKE " + arg(like) + ")"
	}
	if !after.CreatedAt.IsZero() {
		query += " AND (created_at, id) < (" + arg(after.CreatedAt) + ", " + arg(after.ID) + ")"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit+1)

	rows, err := r.store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "conversation_list_query_failed", "failed to list conversations", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ConversationKey, &c.AgentEntrypoint, &c.ActiveAgent, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "conversation_scan_failed", "failed to scan conversation", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "conversation_list_query_failed", "failed to list conversations", err)
	}

	var next *ConversationListCursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &ConversationListCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}
