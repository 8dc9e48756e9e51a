package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// WorkflowRunStatus mirrors the WorkflowRun.status enum.
type WorkflowRunStatus string

const (
	WorkflowRunRunning   WorkflowRunStatus = "running"
	WorkflowRunSucceeded WorkflowRunStatus = "succeeded"
	WorkflowRunFailed    WorkflowRunStatus = "failed"
	WorkflowRunCancelled WorkflowRunStatus = "cancelled"
)

// WorkflowStepStatus mirrors WorkflowStepResult.status, including the
// "skipped" value original_source's registry/runner tests add beyond the
// distilled spec's silence (a guard evaluating false skips a step rather
// than failing the run).
type WorkflowStepStatus string

const (
	StepPending   WorkflowStepStatus = "pending"
	StepRunning   WorkflowStepStatus = "running"
	StepSucceeded WorkflowStepStatus = "succeeded"
	StepFailed    WorkflowStepStatus = "failed"
	StepSkipped   WorkflowStepStatus = "skipped"
)

// WorkflowRun is the relational projection of the WorkflowRun entity.
type WorkflowRun struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	UserID                 uuid.UUID
	WorkflowKey            string
	Status                 WorkflowRunStatus
	StartedAt              time.Time
	EndedAt                *time.Time
	ConversationID          *uuid.UUID
	FinalOutputText        string
	FinalOutputStructured  json.RawMessage
	CancellationToken      string
}

// WorkflowStepResult is one row of a run's ordered step list.
type WorkflowStepResult struct {
	RunID            uuid.UUID
	SequenceNo       int
	StepName         string
	AgentKey         string
	StageName        string
	ParallelGroup    string
	BranchIndex      *int
	ResponseID       string
	ResponseText     string
	StructuredOutput json.RawMessage
	Status           WorkflowStepStatus
}

// WorkflowRepo persists workflow runs and their step results.
type WorkflowRepo struct {
	store *Store
}

func NewWorkflowRepo(s *Store) *WorkflowRepo { return &WorkflowRepo{store: s} }

// Start inserts a new running WorkflowRun row.
func (r *WorkflowRepo) Start(ctx context.Context, run WorkflowRun) error {
	_, err := r.store.Pool.Exec(ctx,
		`INSERT INTO workflow_runs
		 (id, tenant_id, user_id, workflow_key, status, started_at, conversation_id, cancellation_token)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.TenantID, run.UserID, run.WorkflowKey, WorkflowRunRunning, run.StartedAt, run.ConversationID, run.CancellationToken,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "workflow_run_insert_failed", "failed to start workflow run", err)
	}
	return nil
}

// GetByID loads a workflow run by id, scoped to tenantID. A row belonging to
// another tenant is reported as not-found, the same tenant-isolation
// convention ConversationRepo.GetByID uses.
func (r *WorkflowRepo) GetByID(ctx context.Context, tenantID, runID uuid.UUID) (WorkflowRun, bool, error) {
	var run WorkflowRun
	var endedAt *time.Time
	err := r.store.Pool.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, workflow_key, status, started_at, ended_at, conversation_id,
		        coalesce(final_output_text, ''), final_output_structured, coalesce(cancellation_token, '')
		 FROM workflow_runs WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID,
	).Scan(&run.ID, &run.TenantID, &run.UserID, &run.WorkflowKey, &run.Status, &run.StartedAt, &endedAt, &run.ConversationID,
		&run.FinalOutputText, &run.FinalOutputStructured, &run.CancellationToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkflowRun{}, false, nil
	}
	if err != nil {
		return WorkflowRun{}, false, apperr.Wrap(apperr.KindInternal, "workflow_run_lookup_failed", "failed to look up workflow run", err)
	}
	run.EndedAt = endedAt
	return run, true, nil
}

// Finish transitions a run to a terminal status with its final output.
func (r *WorkflowRepo) Finish(ctx context.Context, runID uuid.UUID, status WorkflowRunStatus, finalText string, finalStructured json.RawMessage, endedAt time.Time) error {
	_, err := r.store.Pool.Exec(ctx,
		`UPDATE workflow_runs SET status = $2, final_output_text = $3, final_output_structured = $4, ended_at = $5
		 WHERE id = $1`,
		runID, status, finalText, finalStructured, endedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "workflow_run_finish_failed", "failed to finish workflow run", err)
	}
	return nil
}

// Cancel is a no-op when the run is already terminal, matching the testable
// property "cancelling an already-terminated run is a no-op".
func (r *WorkflowRepo) Cancel(ctx context.Context, runID uuid.UUID, endedAt time.Time) error {
	tag, err := r.store.Pool.Exec(ctx,
		`UPDATE workflow_runs SET status = 'cancelled', ended_at = $2 WHERE id = $1 AND status = 'running'`,
		runID, endedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "workflow_run_cancel_failed", "failed to cancel workflow run", err)
	}
	_ = tag // 0 rows affected means the run was already terminal; that's the no-op case, not an error
	return nil
}

// UpsertStep records (or updates) one step result by (run_id, sequence_no).
func (r *WorkflowRepo) UpsertStep(ctx context.Context, step WorkflowStepResult) error {
	_, err := r.store.Pool.Exec(ctx,
		`INSERT INTO workflow_step_results
		 (run_id, sequence_no, step_name, agent_key, stage_name, parallel_group, branch_index,
		  response_id, response_text, structured_output, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (run_id, sequence_no) DO UPDATE SET
		   response_id = excluded.response_id,
		   response_text = excluded.response_text,
		   structured_output = excluded.structured_output,
		   status = excluded.status`,
		step.RunID, step.SequenceNo, step.StepName, step.AgentKey, step.StageName, step.ParallelGroup, step.BranchIndex,
		step.ResponseID, step.ResponseText, step.StructuredOutput, step.Status,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "workflow_step_upsert_failed", "failed to record workflow step result", err)
	}
	return nil
}

// Steps returns all step results for a run, ordered by sequence_no.
func (r *WorkflowRepo) Steps(ctx context.Context, runID uuid.UUID) ([]WorkflowStepResult, error) {
	rows, err := r.store.Pool.Query(ctx,
		`SELECT run_id, sequence_no, step_name, agent_key, stage_name, coalesce(parallel_group,''), branch_index,
		        coalesce(response_id,''), coalesce(response_text,''), structured_output, status
		 FROM workflow_step_results WHERE run_id = $1 ORDER BY sequence_no ASC`, runID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "workflow_steps_query_failed", "failed to list workflow steps", err)
	}
	defer rows.Close()
	var out []WorkflowStepResult
	for rows.Next() {
		var s WorkflowStepResult
		if err := rows.Scan(&s.RunID, &s.SequenceNo, &s.StepName, &s.AgentKey, &s.StageName, &s.ParallelGroup, &s.BranchIndex,
			&s.ResponseID, &s.ResponseText, &s.StructuredOutput, &s.Status); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "workflow_step_scan_failed", "failed to scan workflow step", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
