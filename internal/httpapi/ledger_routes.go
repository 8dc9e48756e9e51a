package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/ledger"
)

func (s *Server) handleLedgerEvents(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_conversation_id", "id is not a valid id"))
		return
	}
	cursor, err := ledger.DecodeCursor(c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	frames, next, err := s.reader.Page(c.Request.Context(), tenantID, conversationID, cursor, parseLimit(c, 200))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"events": frames}
	if next != nil {
		resp["next_cursor"] = ledger.EncodeCursor(*next)
	}
	c.JSON(http.StatusOK, resp)
}

// writeRawFrame writes a ledger.HistoryFrame's already-serialized payload
// verbatim as one SSE data line — replay re-emits the exact bytes recorded at
// write time rather than re-encoding through sse.Frame.
func writeRawFrame(c *gin.Context, flusher http.Flusher, f ledger.HistoryFrame) error {
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", f.Payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleLedgerStream(c *gin.Context) {
	tenantID, err := s.tenantIDFromCtx(c)
	if err != nil {
		respondError(c, err)
		return
	}
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid_conversation_id", "id is not a valid id"))
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, apperr.New(apperr.KindInternal, "streaming_unsupported", "response writer does not support streaming"))
		return
	}
	sseHeaders(c)
	replayStreamID := uuid.New().String()
	_ = s.reader.Replay(c.Request.Context(), tenantID, conversationID, nil, replayStreamID, func(f ledger.HistoryFrame) error {
		return writeRawFrame(c, flusher, f)
	})
}
