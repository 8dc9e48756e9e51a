package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/ledger"
	"github.com/orchestra-labs/agentcore/internal/sse"
	"github.com/orchestra-labs/agentcore/internal/workflow"
)

func (s *Server) handleWorkflowCatalog(c *gin.Context) {
	specs := s.workflows.Catalog()
	out := make([]gin.H, 0, len(specs))
	for _, spec := range specs {
		stages := make([]string, 0, len(spec.Stages))
		for _, st := range spec.Stages {
			stages = append(stages, st.Name)
		}
		out = append(out, gin.H{
			"key":          spec.Key,
			"display_name": spec.DisplayName,
			"description":  spec.Description,
			"default":      spec.Default,
			"stages":       stages,
		})
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out})
}

type workflowRunRequest struct {
	ConversationKey string `json:"conversation_key" binding:"required"`
	Input           any    `json:"input"`
}

func (s *Server) workflowRunRequestFrom(c *gin.Context, body workflowRunRequest) (workflow.RunRequest, error) {
	tc := mustTenant(c)
	tenantID, err := uuid.Parse(tc.TenantID)
	if err != nil {
		return workflow.RunRequest{}, apperr.New(apperr.KindInternal, "invalid_tenant_context", "resolved tenant id is not valid")
	}
	var userID uuid.UUID
	if tc.Claims.IsUser() {
		if id, err := uuid.Parse(strings.TrimPrefix(tc.Claims.Subject, "user:")); err == nil {
			userID = id
		}
	}
	return workflow.RunRequest{
		TenantID:        tenantID,
		UserID:          userID,
		WorkflowKey:     c.Param("key"),
		ConversationKey: body.ConversationKey,
		Input:           body.Input,
	}, nil
}

func (s *Server) handleWorkflowRun(c *gin.Context) {
	var body workflowRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_request_body", err.Error()))
		return
	}
	req, err := s.workflowRunRequestFrom(c, body)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := s.workflows.Run(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderRunResult(result))
}

func (s *Server) handleWorkflowRunStream(c *gin.Context) {
	var body workflowRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_request_body", err.Error()))
		return
	}
	req, err := s.workflowRunRequestFrom(c, body)
	if err != nil {
		respondError(c, err)
		return
	}
	streamSSE(c, func(emit func(sse.Frame) error) error {
		req.StreamFrame = func(ctx context.Context, f sse.Frame) error { return emit(f) }
		req.Cancel = func() bool { return c.Request.Context().Err() != nil }
		_, err := s.workflows.Run(c.Request.Context(), req)
		return err
	})
}

func renderRunResult(r workflow.RunResult) gin.H {
	return gin.H{
		"run_id":          r.RunID,
		"conversation_id": r.ConversationID,
		"status":          r.Status,
		"final_output":    r.FinalOutput,
		"final_text":      r.FinalText,
	}
}

func (s *Server) handleWorkflowRunGet(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_run_id", "run_id is not a valid id"))
		return
	}
	run, ok, err := s.workflowRuns.GetByID(c.Request.Context(), tenantID, runID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondError(c, apperr.ErrNotFound)
		return
	}
	steps, err := s.workflowRuns.Steps(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":          run.ID,
		"workflow_key":    run.WorkflowKey,
		"status":          run.Status,
		"started_at":      run.StartedAt,
		"ended_at":        run.EndedAt,
		"conversation_id": run.ConversationID,
		"final_text":      run.FinalOutputText,
		"steps":           steps,
	})
}

func (s *Server) handleWorkflowRunCancel(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_run_id", "run_id is not a valid id"))
		return
	}
	cancelled := s.workflows.RequestCancel(runID)
	c.JSON(http.StatusAccepted, gin.H{"cancelled": cancelled})
}

func (s *Server) workflowRunFor(c *gin.Context, tenantID, runID uuid.UUID) (uuid.UUID, error) {
	run, ok, err := s.workflowRuns.GetByID(c.Request.Context(), tenantID, runID)
	if err != nil {
		return uuid.UUID{}, err
	}
	if !ok || run.ConversationID == nil {
		return uuid.UUID{}, apperr.ErrNotFound
	}
	return *run.ConversationID, nil
}

func (s *Server) handleWorkflowReplayEvents(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_run_id", "run_id is not a valid id"))
		return
	}
	conversationID, err := s.workflowRunFor(c, tenantID, runID)
	if err != nil {
		respondError(c, err)
		return
	}
	var frames []ledger.HistoryFrame
	replayStreamID := uuid.New().String()
	if err := s.reader.Replay(c.Request.Context(), tenantID, conversationID, &runID, replayStreamID, func(f ledger.HistoryFrame) error {
		frames = append(frames, f)
		return nil
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": frames})
}

func (s *Server) handleWorkflowReplayStream(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_run_id", "run_id is not a valid id"))
		return
	}
	conversationID, err := s.workflowRunFor(c, tenantID, runID)
	if err != nil {
		respondError(c, err)
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, apperr.New(apperr.KindInternal, "streaming_unsupported", "response writer does not support streaming"))
		return
	}
	sseHeaders(c)
	replayStreamID := uuid.New().String()
	_ = s.reader.Replay(c.Request.Context(), tenantID, conversationID, &runID, replayStreamID, func(f ledger.HistoryFrame) error {
		return writeRawFrame(c, flusher, f)
	})
}
