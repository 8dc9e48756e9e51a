package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
)

func (s *Server) tenantIDFromCtx(c *gin.Context) (uuid.UUID, error) {
	tc := mustTenant(c)
	id, err := uuid.Parse(tc.TenantID)
	if err != nil {
		return uuid.UUID{}, apperr.New(apperr.KindInternal, "invalid_tenant_context", "resolved tenant id is not valid")
	}
	return id, nil
}

func parseLimit(c *gin.Context, def int) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

func conversationView(conv postgres.Conversation) gin.H {
	return gin.H{
		"id":               conv.ID,
		"conversation_key": conv.ConversationKey,
		"agent_entrypoint": conv.AgentEntrypoint,
		"active_agent":     conv.ActiveAgent,
		"status":           conv.Status,
		"created_at":       conv.CreatedAt,
		"updated_at":       conv.UpdatedAt,
		"message_count":    conv.MessageCount,
	}
}

func (s *Server) handleListConversations(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	after, err := postgres.DecodeConversationListCursor(c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	filter := postgres.ListFilter{AgentEntrypoint: c.Query("agent_entrypoint")}
	if raw := c.Query("updated_after"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.UpdatedAfter = &t
		}
	}
	rows, next, err := s.conversations.List(c.Request.Context(), tenantID, filter, after, parseLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"conversations": renderConversations(rows)}
	if next != nil {
		resp["next_cursor"] = postgres.EncodeConversationListCursor(*next)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearchConversations(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	q := c.Query("q")
	if q == "" {
		respondError(c, apperr.New(apperr.KindValidation, "missing_query", "q is required"))
		return
	}
	after, err := postgres.DecodeConversationListCursor(c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	rows, next, err := s.conversations.Search(c.Request.Context(), tenantID, q, after, parseLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"conversations": renderConversations(rows)}
	if next != nil {
		resp["next_cursor"] = postgres.EncodeConversationListCursor(*next)
	}
	c.JSON(http.StatusOK, resp)
}

func renderConversations(rows []postgres.Conversation) []gin.H {
	out := make([]gin.H, 0, len(rows))
	for _, conv := range rows {
		out = append(out, conversationView(conv))
	}
	return out
}

func (s *Server) handleGetConversation(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_conversation_id", "id is not a valid id"))
		return
	}
	conv, err := s.conversations.GetByID(c.Request.Context(), tenantID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationView(conv))
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_conversation_id", "id is not a valid id"))
		return
	}
	if err := s.conversations.Delete(c.Request.Context(), tenantID, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleConversationEvents(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_conversation_id", "id is not a valid id"))
		return
	}
	if _, err := s.conversations.GetByID(c.Request.Context(), tenantID, id); err != nil {
		respondError(c, err)
		return
	}
	var afterSeq int64
	if raw := c.Query("after"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterSeq = n
		}
	}
	events, next, err := s.conversationEvents.Page(c.Request.Context(), id, afterSeq, parseLimit(c, 200))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"events": events}
	if next != nil {
		resp["next_after"] = *next
	}
	c.JSON(http.StatusOK, resp)
}
