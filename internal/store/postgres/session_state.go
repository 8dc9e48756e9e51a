package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// ConversationSessionState is the relational projection of the
// ConversationSessionState: the mapping from a conversation to its
// provider-side conversation id and SDK session handle.
type ConversationSessionState struct {
	ConversationID        uuid.UUID
	Provider              string
	ProviderConversationID string
	SDKSessionID           string
	SessionCursor          string
	LastSessionSyncAt      *time.Time
}

// SessionStateRepo persists ConversationSessionState rows.
type SessionStateRepo struct {
	store *Store
}

func NewSessionStateRepo(s *Store) *SessionStateRepo { return &SessionStateRepo{store: s} }

// Get loads the session state for a conversation. A missing row is not an
// error: it returns the zero state, since "no prior state" is the normal
// first-turn case.
func (r *SessionStateRepo) Get(ctx context.Context, conversationID uuid.UUID) (ConversationSessionState, error) {
	var st ConversationSessionState
	err := r.store.Pool.QueryRow(ctx,
		`SELECT conversation_id, provider, coalesce(provider_conversation_id,''), coalesce(sdk_session_id,''),
		        coalesce(session_cursor,''), last_session_sync_at
		 FROM conversation_session_state WHERE conversation_id = $1`, conversationID,
	).Scan(&st.ConversationID, &st.Provider, &st.ProviderConversationID, &st.SDKSessionID, &st.SessionCursor, &st.LastSessionSyncAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationSessionState{ConversationID: conversationID}, nil
	}
	if err != nil {
		return ConversationSessionState{}, apperr.Wrap(apperr.KindInternal, "session_state_lookup_failed", "failed to load session state", err)
	}
	return st, nil
}

// Upsert records state unconditionally ("after the run, state is
// updated unconditionally with the session id used and the resolved
// provider conversation id").
func (r *SessionStateRepo) Upsert(ctx context.Context, st ConversationSessionState) error {
	now := time.Now().UTC()
	_, err := r.store.Pool.Exec(ctx,
		`INSERT INTO conversation_session_state
		   (conversation_id, provider, provider_conversation_id, sdk_session_id, session_cursor, last_session_sync_at)
		 VALUES ($1,$2,nullif($3,''),nullif($4,''),nullif($5,''),$6)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   provider = excluded.provider,
		   provider_conversation_id = excluded.provider_conversation_id,
		   sdk_session_id = excluded.sdk_session_id,
		   session_cursor = excluded.session_cursor,
		   last_session_sync_at = excluded.last_session_sync_at`,
		st.ConversationID, st.Provider, st.ProviderConversationID, st.SDKSessionID, st.SessionCursor, now,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "session_state_upsert_failed", "failed to persist session state", err)
	}
	return nil
}
