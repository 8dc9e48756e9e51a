package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/agentengine"
	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/session"
	"github.com/orchestra-labs/agentcore/internal/sse"
)

// chatRequest is the POST /api/v1/chat and /chat/stream body.
type chatRequest struct {
	ConversationKey string `json:"conversation_key" binding:"required"`
	AgentEntrypoint string `json:"agent_entrypoint" binding:"required"`
	Message         string `json:"message" binding:"required"`
	// MemoryStrategy selects a per-request session.MemoryStrategy override.
	// Empty uses the session manager's configured default. "window" honors
	// WindowSize; "summarize" is not request-selectable (it needs a
	// server-wired model client) and falls back to the server default.
	MemoryStrategy string `json:"memory_strategy"`
	WindowSize     int    `json:"window_size"`
}

func (s *Server) memoryStrategyFor(req chatRequest) session.MemoryStrategy {
	switch req.MemoryStrategy {
	case "window":
		n := req.WindowSize
		if n <= 0 {
			n = 20
		}
		return session.WindowStrategy{N: n}
	case "none":
		return session.NoneStrategy{}
	default:
		return nil
	}
}

func (s *Server) turnRequestFrom(c *gin.Context, req chatRequest) (agentengine.TurnRequest, error) {
	tc := mustTenant(c)
	tenantID, err := uuid.Parse(tc.TenantID)
	if err != nil {
		return agentengine.TurnRequest{}, apperr.New(apperr.KindInternal, "invalid_tenant_context", "resolved tenant id is not valid")
	}
	var userID *uuid.UUID
	if tc.Claims.IsUser() {
		if id, err := uuid.Parse(strings.TrimPrefix(tc.Claims.Subject, "user:")); err == nil {
			userID = &id
		}
	}
	return agentengine.TurnRequest{
		TenantID:        tenantID,
		UserID:          userID,
		ConversationKey: req.ConversationKey,
		AgentEntrypoint: req.AgentEntrypoint,
		UserText:        req.Message,
		MemoryStrategy:  s.memoryStrategyFor(req),
	}, nil
}

func (s *Server) handleChat(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_request_body", err.Error()))
		return
	}
	turn, err := s.turnRequestFrom(c, body)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := s.agents.RunTurn(c.Request.Context(), turn)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": result.ConversationID,
		"session_id":      result.SessionID,
		"response_text":   result.Final.Content,
	})
}

func (s *Server) handleChatStream(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_request_body", err.Error()))
		return
	}
	turn, err := s.turnRequestFrom(c, body)
	if err != nil {
		respondError(c, err)
		return
	}
	streamSSE(c, func(emit func(sse.Frame) error) error {
		turn.StreamFrame = func(ctx context.Context, f sse.Frame) error { return emit(f) }
		_, err := s.agents.RunTurn(c.Request.Context(), turn)
		return err
	})
}
