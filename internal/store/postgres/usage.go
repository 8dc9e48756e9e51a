package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// Granularity is one of the UsageCounter rollup windows.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityMonth  Granularity = "month"
)

// RunUsageRecord is per-response attribution, the detailed log the
// RunUsage entity describes.
type RunUsageRecord struct {
	ConversationID        uuid.UUID
	ResponseID            string
	RunID                 *uuid.UUID
	AgentKey              string
	Provider              string
	Requests              int
	InputTokens           int64
	OutputTokens          int64
	CachedInputTokens     int64
	ReasoningOutputTokens int64
	IdempotencyKey        string
}

// UsageRepo records RunUsage and aggregates it into UsageCounter buckets.
type UsageRepo struct {
	store *Store
}

func NewUsageRepo(s *Store) *UsageRepo { return &UsageRepo{store: s} }

// RecordRunUsage inserts a RunUsage row and additively upserts the
// tenant-wide and user-scoped UsageCounter rows for every granularity, in one
// transaction. A repeated call with the same IdempotencyKey is a no-op: the
// RunUsage insert is skipped via ON CONFLICT and the counter increments are
// gated on that insert actually happening.
func (r *UsageRepo) RecordRunUsage(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, rec RunUsageRecord, now time.Time) error {
	tx, err := r.store.Pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "tx_begin_failed", "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO run_usage
		 (id, conversation_id, response_id, run_id, agent_key, provider, requests,
		  input_tokens, output_tokens, cached_input_tokens, reasoning_output_tokens, created_at, idempotency_key)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.New(), rec.ConversationID, rec.ResponseID, rec.RunID, rec.AgentKey, rec.Provider, rec.Requests,
		rec.InputTokens, rec.OutputTokens, rec.CachedInputTokens, rec.ReasoningOutputTokens, now, nullIfEmpty(rec.IdempotencyKey),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "run_usage_insert_failed", "failed to record run usage", err)
	}
	if tag.RowsAffected() == 0 && rec.IdempotencyKey != "" {
		// Already recorded under this idempotency key; counters were already
		// incremented the first time.
		return tx.Commit(ctx)
	}

	for _, g := range []Granularity{GranularityMinute, GranularityHour, GranularityDay, GranularityMonth} {
		periodStart := truncateToPeriod(now, g)
		// Tenant-wide bucket (user_id NULL).
		if err := upsertCounter(ctx, tx, tenantID, nil, periodStart, g, rec); err != nil {
			return err
		}
		if userID != nil {
			if err := upsertCounter(ctx, tx, tenantID, userID, periodStart, g, rec); err != nil {
				return err
			}
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET message_count = message_count + 0,
		  total_input_tokens = total_input_tokens + $2, total_output_tokens = total_output_tokens + $3, updated_at = $4
		 WHERE id = $1`,
		rec.ConversationID, rec.InputTokens, rec.OutputTokens, now,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "conversation_counters_update_failed", "failed to update conversation token counters", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindInternal, "tx_commit_failed", "failed to commit usage recording", err)
	}
	return nil
}

func upsertCounter(ctx context.Context, tx pgxTx, tenantID uuid.UUID, userID *uuid.UUID, periodStart time.Time, g Granularity, rec RunUsageRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO usage_counters (tenant_id, user_id, period_start, granularity, input_tokens, output_tokens, requests, storage_bytes)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,0)
		 ON CONFLICT (tenant_id, COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid), period_start, granularity)
		 DO UPDATE SET
		   input_tokens = usage_counters.input_tokens + excluded.input_tokens,
		   output_tokens = usage_counters.output_tokens + excluded.output_tokens,
		   requests = usage_counters.requests + excluded.requests`,
		tenantID, userID, periodStart, g, rec.InputTokens, rec.OutputTokens, rec.Requests,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "usage_counter_upsert_failed", "failed to upsert usage counter", err)
	}
	return nil
}

// CurrentUsage returns the current-period input_tokens count for a tenant
// (and, if userID is non-nil, that user) at the given granularity — the
// value ratelimit.EvaluateUsage compares against a plan's UsageLimit.
func (r *UsageRepo) CurrentUsage(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, g Granularity, now time.Time) (int64, error) {
	periodStart := truncateToPeriod(now, g)
	var tokens int64
	err := r.store.Pool.QueryRow(ctx,
		`SELECT coalesce(input_tokens, 0) FROM usage_counters
		 WHERE tenant_id = $1 AND COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid) = COALESCE($2, '00000000-0000-0000-0000-000000000000'::uuid)
		   AND period_start = $3 AND granularity = $4`,
		tenantID, userID, periodStart, g,
	).Scan(&tokens)
	if err != nil {
		return 0, nil // no row yet means zero usage, not an error
	}
	return tokens, nil
}

func truncateToPeriod(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case GranularityMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
