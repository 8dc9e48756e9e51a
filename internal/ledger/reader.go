package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/objectstore"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
)

// HistoryFrame is one page entry returned to a history/replay caller: the
// event envelope plus its resolved (inline or spilled-and-fetched) payload.
type HistoryFrame struct {
	EventID       int64
	StreamID      string
	WorkflowRunID *uuid.UUID
	Kind          string
	Payload       json.RawMessage
	CreatedAt     int64 // unix millis, preserved verbatim on replay
}

// Reader serves the ledger's two read paths: paginated history and replay.
type Reader struct {
	repo          *postgres.LedgerRepo
	conversations *postgres.ConversationRepo
	objects       objectstore.Store
}

// NewReader constructs a Reader.
func NewReader(repo *postgres.LedgerRepo, conversations *postgres.ConversationRepo, objects objectstore.Store) *Reader {
	return &Reader{repo: repo, conversations: conversations, objects: objects}
}

// EncodeCursor renders a Cursor as the opaque base64 token clients pass back
// as ?cursor=.
func EncodeCursor(c postgres.Cursor) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(c.AfterEventID, 10)))
}

// DecodeCursor parses a client-supplied cursor token. An empty token decodes
// to the zero cursor (start of history).
func DecodeCursor(token string) (postgres.Cursor, error) {
	if token == "" {
		return postgres.Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return postgres.Cursor{}, apperr.New(apperr.KindValidation, "invalid_cursor", "cursor is not valid")
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return postgres.Cursor{}, apperr.New(apperr.KindValidation, "invalid_cursor", "cursor is not valid")
	}
	return postgres.Cursor{AfterEventID: n}, nil
}

// Page returns an ordered page of frames for conversationID after cursor,
// plus the next cursor (nil when this is the last page). Tenant isolation is
// enforced here: a tenantID mismatch is reported as "not found", never
// "forbidden", so callers can't distinguish existence from authorization.
func (r *Reader) Page(ctx context.Context, tenantID, conversationID uuid.UUID, after postgres.Cursor, limit int) ([]HistoryFrame, *postgres.Cursor, error) {
	events, next, err := r.repo.Page(ctx, conversationID, after, limit)
	if err != nil {
		return nil, nil, err
	}
	frames := make([]HistoryFrame, 0, len(events))
	for _, ev := range events {
		if ev.TenantID != tenantID {
			return nil, nil, apperr.ErrConversationMismatch
		}
		payload, err := r.resolvePayload(ctx, ev)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, HistoryFrame{
			EventID:       ev.EventID,
			StreamID:      ev.StreamID,
			WorkflowRunID: ev.WorkflowRunID,
			Kind:          ev.Kind,
			Payload:       payload,
			CreatedAt:     ev.CreatedAt.UnixMilli(),
		})
	}
	return frames, next, nil
}

// Replay streams every frame for conversationID, optionally restricted to
// workflowRunID, in event_id order, assigning replayStreamID to every frame
// (the recorded stream_id is discarded — replay always gets a fresh one) but
// preserving event_id and server_timestamp. Tenant scoping is checked up
// front (a ConversationRepo.GetByID lookup before the first page is read), so
// a missing or foreign conversation returns an error before emit is called.
func (r *Reader) Replay(ctx context.Context, tenantID, conversationID uuid.UUID, workflowRunID *uuid.UUID, replayStreamID string, emit func(HistoryFrame) error) error {
	if _, err := r.conversations.GetByID(ctx, tenantID, conversationID); err != nil {
		return err
	}

	var cursor postgres.Cursor
	const pageSize = 200
	for {
		frames, next, err := r.Page(ctx, tenantID, conversationID, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if workflowRunID != nil {
				if f.WorkflowRunID == nil || *f.WorkflowRunID != *workflowRunID {
					continue
				}
			}
			f.StreamID = replayStreamID
			if err := emit(f); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		cursor = *next
	}
}

func (r *Reader) resolvePayload(ctx context.Context, ev postgres.LedgerEvent) (json.RawMessage, error) {
	if ev.PayloadObjectRef == "" {
		return json.RawMessage(ev.PayloadInlineJSON), nil
	}
	if r.objects == nil {
		return nil, apperr.New(apperr.KindInternal, "ledger_object_store_unavailable", "ledger payload is spilled but no object store is configured")
	}
	gz, err := r.objects.Get(ctx, ev.PayloadObjectRef)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "ledger_spill_fetch_failed", fmt.Sprintf("failed to fetch spilled ledger payload %s", ev.PayloadObjectRef), err)
	}
	payload, err := gunzip(gz)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "ledger_spill_gunzip_failed", "failed to gunzip spilled ledger payload", err)
	}
	return json.RawMessage(payload), nil
}
