// Package ledger is the durable conversation ledger: every public_sse_v1
// frame emitted during a chat or workflow stream is recorded here so the
// conversation can be replayed or paginated deterministically.
package ledger

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/objectstore"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
	"github.com/orchestra-labs/agentcore/runtime/agent/telemetry"
)

// Frame is one public_sse_v1 event queued for durable recording. Payload is
// the event's JSON body exactly as emitted to the client (before any
// ledger-specific wrapping).
type Frame struct {
	ConversationID uuid.UUID
	TenantID       uuid.UUID
	// EventID is assigned by the caller's per-stream ledger.Sequencer before
	// the frame is sent to the client, so the envelope and the persisted row
	// always agree. Append passes it straight through to LedgerRepo.Append,
	// which trusts a non-zero EventID instead of allocating its own.
	EventID       int64
	StreamID      string
	WorkflowRunID *uuid.UUID
	Kind          string
	Payload       json.RawMessage
}

// Writer appends frames to the relational ledger, spilling oversized
// payloads to the object store under a tenant-scoped key.
type Writer struct {
	repo           *postgres.LedgerRepo
	objects        objectstore.Store
	inlineMaxBytes int
	writeDeadline  time.Duration
	logger         telemetry.Logger
}

// NewWriter constructs a Writer. inlineMaxBytes and writeDeadline come from
// config.LedgerConfig (InlineMaxBytes, WriteDeadlineMS).
func NewWriter(repo *postgres.LedgerRepo, objects objectstore.Store, inlineMaxBytes int, writeDeadline time.Duration, logger telemetry.Logger) *Writer {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Writer{repo: repo, objects: objects, inlineMaxBytes: inlineMaxBytes, writeDeadline: writeDeadline, logger: logger}
}

// Append persists f. It never blocks the caller for longer than the
// configured write deadline: if the deadline elapses before the write
// commits, Append logs and returns immediately while the write keeps
// running in the background — the frame was already delivered to the client
// stream, and a delayed or failed ledger write only affects replay/history,
// which callers treat as an incidental read error.
func (w *Writer) Append(ctx context.Context, f Frame) {
	done := make(chan error, 1)
	go func() {
		done <- w.appendSync(context.WithoutCancel(ctx), f)
	}()

	if w.writeDeadline <= 0 {
		if err := <-done; err != nil {
			w.logger.Error(ctx, "ledger append failed", "conversation_id", f.ConversationID.String(), "error", err.Error())
		}
		return
	}

	select {
	case err := <-done:
		if err != nil {
			w.logger.Error(ctx, "ledger append failed", "conversation_id", f.ConversationID.String(), "error", err.Error())
		}
	case <-time.After(w.writeDeadline):
		w.logger.Warn(ctx, "ledger append exceeded write deadline, continuing in background",
			"conversation_id", f.ConversationID.String(), "deadline_ms", w.writeDeadline.Milliseconds())
		go func() {
			if err := <-done; err != nil {
				w.logger.Error(ctx, "ledger append failed (background)", "conversation_id", f.ConversationID.String(), "error", err.Error())
			}
		}()
	}
}

func (w *Writer) appendSync(ctx context.Context, f Frame) error {
	ev := postgres.LedgerEvent{
		ConversationID: f.ConversationID,
		TenantID:       f.TenantID,
		EventID:        f.EventID,
		StreamID:       f.StreamID,
		WorkflowRunID:  f.WorkflowRunID,
		Kind:           f.Kind,
	}

	if len(f.Payload) <= w.inlineMaxBytes || w.objects == nil {
		ev.PayloadInlineJSON = append([]byte(nil), f.Payload...)
		ev.PayloadSizeBytes = len(f.Payload)
		_, err := w.repo.Append(ctx, ev)
		return err
	}

	gz, sum, err := gzipAndHash(f.Payload)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "ledger_spill_gzip_failed", "failed to gzip ledger payload", err)
	}

	spillID := f.EventID
	if spillID == 0 {
		// Caller didn't pre-assign an event_id (e.g. a one-off write outside a
		// sequenced stream); fall back to a random spill id rather than a
		// two-phase reserve. Replay only needs the object_ref recorded
		// alongside the row, not a human-guessable path.
		key := fmt.Sprintf("tenant/%s/conv/%s/event/%s.json.gz", f.TenantID, f.ConversationID, uuid.New().String())
		if err := w.objects.Put(ctx, key, gz, "application/gzip"); err != nil {
			return apperr.Wrap(apperr.KindInternal, "ledger_spill_upload_failed", "failed to upload spilled ledger payload", err)
		}
		ev.PayloadObjectRef = key
		ev.PayloadSizeBytes = len(f.Payload)
		ev.PayloadSHA256 = sum
		_, err = w.repo.Append(ctx, ev)
		return err
	}
	key := fmt.Sprintf("tenant/%s/conv/%s/event/%d.json.gz", f.TenantID, f.ConversationID, spillID)
	if err := w.objects.Put(ctx, key, gz, "application/gzip"); err != nil {
		return apperr.Wrap(apperr.KindInternal, "ledger_spill_upload_failed", "failed to upload spilled ledger payload", err)
	}

	ev.PayloadObjectRef = key
	ev.PayloadSizeBytes = len(f.Payload)
	ev.PayloadSHA256 = sum
	_, err = w.repo.Append(ctx, ev)
	return err
}

func gzipAndHash(payload []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(payload)
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
