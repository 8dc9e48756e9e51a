package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/sse"
)

// sseHeaders sets the response headers every public_sse_v1 stream shares:
// no buffering proxies, no caching, connection held open.
func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

// streamSSE drives one public_sse_v1 stream: it sets the SSE headers, then
// calls run with an emit func that encodes and flushes each frame as it is
// produced. run is expected to block until the stream is complete (engines
// call emit synchronously, frame by frame) and to return the terminal error,
// if any. streamSSE discards that error: it is neither logged nor written to
// the wire once the response has started, since a partial stream cannot be
// un-sent.
func streamSSE(c *gin.Context, run func(emit func(sse.Frame) error) error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, apperr.New(apperr.KindInternal, "streaming_unsupported", "response writer does not support streaming"))
		return
	}
	sseHeaders(c)

	emit := func(f sse.Frame) error {
		b, err := sse.Encode(f)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_ = run(emit)
}
