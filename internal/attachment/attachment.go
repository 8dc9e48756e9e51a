// Package attachment normalizes inbound input
// attachments and outbound tool-emitted artifacts (generated images,
// code-interpreter container file citations) into tenant-addressable,
// presignable records, on top of the objectstore.Store port.
package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/objectstore"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
	"github.com/orchestra-labs/agentcore/runtime/agent/telemetry"
)

// InputRef is one entry of the caller-supplied `[{object_id, kind?}]` list
// resolved into a provider-native input item.
type InputRef struct {
	ObjectID uuid.UUID
	Kind     string // "" or "image"; "image" enforces an image/* mime check
}

// ConversationAttachment is the normalized record attached to both a
// streaming frame's `attachments` and the persisted message.
type ConversationAttachment struct {
	ObjectID        string
	Filename        string
	MimeType        string
	SizeBytes       int64
	ToolCallID      string
	ContainerFileID string
	PresignedURL    string
}

// ResolvedInput pairs the provider-native input item constructed for a
// model call with the catalog attachment recorded for it.
type ResolvedInput struct {
	InputItem  map[string]any
	Attachment ConversationAttachment
}

// ContainerFilesGateway fetches the raw bytes of a code-interpreter
// container file by id, for the container-file-citation ingestion path. The
// concrete implementation lives with the model provider integration that
// produced the citation.
type ContainerFilesGateway interface {
	Fetch(ctx context.Context, containerFileID string) (data []byte, filename string, err error)
}

// presignTTL is the lifetime requested for presigned download URLs handed
// back to callers.
const presignTTL = 15 * time.Minute

// Engine is the attachment-ingestion service: the storage port plus the
// asset catalog it keeps in sync.
type Engine struct {
	objects objectstore.Store
	assets  *postgres.AssetRepo
	gateway ContainerFilesGateway
	logger  telemetry.Logger
}

// NewEngine constructs an Engine. gateway may be nil if the deployment never
// ingests container file citations (e.g. code interpreter disabled).
func NewEngine(objects objectstore.Store, assets *postgres.AssetRepo, gateway ContainerFilesGateway, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{objects: objects, assets: assets, gateway: gateway, logger: logger}
}

// ErrRequiresImage is returned by ResolveInput when a ref declares
// kind="image" but the stored object's mime type is not image/*.
var ErrRequiresImage = apperr.New(apperr.KindValidation, "input_attachment_requires_image", "attachment requires an image")

// ResolveInput fetches presigned download URLs and metadata for refs and
// builds the provider-native input items (`input_image` for kind="image")
// the planner attaches to the model request. Each ref must already have an
// asset catalog record: ResolveInput looks it up and creates none, and a ref
// without one fails resolution with a not-found error.
func (e *Engine) ResolveInput(ctx context.Context, tenantID uuid.UUID, refs []InputRef) ([]ResolvedInput, error) {
	resolved := make([]ResolvedInput, 0, len(refs))
	for _, ref := range refs {
		item, err := e.resolveOne(ctx, tenantID, ref)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, item)
	}
	return resolved, nil
}

func (e *Engine) resolveOne(ctx context.Context, tenantID uuid.UUID, ref InputRef) (ResolvedInput, error) {
	asset, found, err := e.assets.ByID(ctx, tenantID, ref.ObjectID)
	if err != nil {
		return ResolvedInput{}, fmt.Errorf("attachment: looking up input object %s: %w", ref.ObjectID, err)
	}
	if !found {
		return ResolvedInput{}, apperr.New(apperr.KindNotFound, "input_attachment_not_found", "input attachment object not found").
			WithDetails(map[string]any{"object_id": ref.ObjectID.String()})
	}
	if ref.Kind == "image" && !strings.HasPrefix(asset.MimeType, "image/") {
		return ResolvedInput{}, ErrRequiresImage.WithDetails(map[string]any{
			"object_id": ref.ObjectID.String(),
			"mime_type": asset.MimeType,
		})
	}

	presigned, err := e.objects.PresignGet(ctx, asset.ObjectKey)
	if err != nil {
		return ResolvedInput{}, fmt.Errorf("attachment: presigning input object %s: %w", ref.ObjectID, err)
	}

	att := ConversationAttachment{
		ObjectID:     asset.ID.String(),
		Filename:     asset.Filename,
		MimeType:     asset.MimeType,
		SizeBytes:    asset.SizeBytes,
		PresignedURL: presigned,
	}

	var item map[string]any
	switch ref.Kind {
	case "image":
		item = map[string]any{"type": "input_image", "image_url": presigned}
	default:
		item = map[string]any{"type": "input_file", "file_url": presigned, "filename": asset.Filename}
	}

	return ResolvedInput{InputItem: item, Attachment: att}, nil
}

// ImageOutput is one image-generation-call result item from a run, matching
// the shape a provider response surfaces for an image tool call.
type ImageOutput struct {
	ToolCallID string
	Base64Data string
	Format     string // e.g. "png", "jpeg"
}

// IngestImageOutputs decodes and persists each image output not already
// present in seenToolCalls, deduplicating repeated emits for the same tool
// call. seenToolCalls is mutated in place so callers can thread it
// across multiple steps of the same run.
func (e *Engine) IngestImageOutputs(ctx context.Context, tenantID uuid.UUID, outputs []ImageOutput, seenToolCalls map[string]bool) ([]ConversationAttachment, error) {
	if seenToolCalls == nil {
		seenToolCalls = make(map[string]bool)
	}
	var out []ConversationAttachment
	for _, o := range outputs {
		if o.ToolCallID == "" || seenToolCalls[o.ToolCallID] {
			continue
		}
		att, err := e.ingestImageOutput(ctx, tenantID, o)
		if err != nil {
			return nil, err
		}
		seenToolCalls[o.ToolCallID] = true
		out = append(out, att)
	}
	return out, nil
}

func (e *Engine) ingestImageOutput(ctx context.Context, tenantID uuid.UUID, o ImageOutput) (ConversationAttachment, error) {
	if existing, found, err := e.assets.ByToolCallID(ctx, tenantID, o.ToolCallID); err != nil {
		return ConversationAttachment{}, fmt.Errorf("attachment: checking existing tool_call_id %s: %w", o.ToolCallID, err)
	} else if found {
		return assetToAttachment(existing), nil
	}

	data, err := base64.StdEncoding.DecodeString(o.Base64Data)
	if err != nil {
		return ConversationAttachment{}, apperr.Wrap(apperr.KindValidation, "image_output_decode_failed", "failed to decode image output", err)
	}

	format := sanitizeFormat(o.Format)
	mimeType := "image/" + format
	filename := fmt.Sprintf("%s.%s", sanitizeToken(o.ToolCallID), format)
	assetID := uuid.New()
	key := objectKey(tenantID, assetID, filename)

	if err := e.objects.Put(ctx, key, data, mimeType); err != nil {
		return ConversationAttachment{}, fmt.Errorf("attachment: persisting image output: %w", err)
	}

	asset := postgres.Asset{
		ID: assetID, TenantID: tenantID, ObjectKey: key, Filename: filename,
		MimeType: mimeType, SizeBytes: int64(len(data)), ToolCallID: o.ToolCallID,
		CreatedAt: time.Now(),
	}
	if err := e.assets.Create(ctx, asset); err != nil {
		return ConversationAttachment{}, fmt.Errorf("attachment: cataloging image output: %w", err)
	}

	att := assetToAttachment(asset)
	if presigned, err := e.objects.PresignGet(ctx, key); err == nil {
		att.PresignedURL = presigned
	} else if err != objectstore.ErrNotSupported {
		e.logger.Warn(ctx, "attachment: presign image output failed", "object_key", key, "error", err.Error())
	}
	return att, nil
}

// ContainerCitation is one container-file citation surfaced by a run item.
type ContainerCitation struct {
	ContainerFileID string
}

// IngestContainerCitations downloads each citation's file via the
// ContainerFilesGateway not already present in seenContainerFiles,
// deduplicating by container_file_id.
func (e *Engine) IngestContainerCitations(ctx context.Context, tenantID uuid.UUID, citations []ContainerCitation, seenContainerFiles map[string]bool) ([]ConversationAttachment, error) {
	if e.gateway == nil {
		return nil, nil
	}
	if seenContainerFiles == nil {
		seenContainerFiles = make(map[string]bool)
	}
	var out []ConversationAttachment
	for _, c := range citations {
		if c.ContainerFileID == "" || seenContainerFiles[c.ContainerFileID] {
			continue
		}
		att, err := e.ingestContainerCitation(ctx, tenantID, c)
		if err != nil {
			return nil, err
		}
		seenContainerFiles[c.ContainerFileID] = true
		out = append(out, att)
	}
	return out, nil
}

func (e *Engine) ingestContainerCitation(ctx context.Context, tenantID uuid.UUID, c ContainerCitation) (ConversationAttachment, error) {
	if existing, found, err := e.assets.ByContainerFileID(ctx, tenantID, c.ContainerFileID); err != nil {
		return ConversationAttachment{}, fmt.Errorf("attachment: checking existing container_file_id %s: %w", c.ContainerFileID, err)
	} else if found {
		return assetToAttachment(existing), nil
	}

	data, filename, err := e.gateway.Fetch(ctx, c.ContainerFileID)
	if err != nil {
		return ConversationAttachment{}, fmt.Errorf("attachment: fetching container file %s: %w", c.ContainerFileID, err)
	}
	mimeType := mimeFromExtension(filename)
	assetID := uuid.New()
	key := objectKey(tenantID, assetID, filename)

	if err := e.objects.Put(ctx, key, data, mimeType); err != nil {
		return ConversationAttachment{}, fmt.Errorf("attachment: persisting container file citation: %w", err)
	}

	asset := postgres.Asset{
		ID: assetID, TenantID: tenantID, ObjectKey: key, Filename: filename,
		MimeType: mimeType, SizeBytes: int64(len(data)), ContainerFileID: c.ContainerFileID,
		CreatedAt: time.Now(),
	}
	if err := e.assets.Create(ctx, asset); err != nil {
		return ConversationAttachment{}, fmt.Errorf("attachment: cataloging container file citation: %w", err)
	}

	att := assetToAttachment(asset)
	if presigned, err := e.objects.PresignGet(ctx, key); err == nil {
		att.PresignedURL = presigned
	} else if err != objectstore.ErrNotSupported {
		e.logger.Warn(ctx, "attachment: presign container file citation failed", "object_key", key, "error", err.Error())
	}
	return att, nil
}

func assetToAttachment(a postgres.Asset) ConversationAttachment {
	return ConversationAttachment{
		ObjectID:        a.ID.String(),
		Filename:        a.Filename,
		MimeType:        a.MimeType,
		SizeBytes:       a.SizeBytes,
		ToolCallID:      a.ToolCallID,
		ContainerFileID: a.ContainerFileID,
	}
}

func objectKey(tenantID uuid.UUID, assetID uuid.UUID, filename string) string {
	return fmt.Sprintf("tenant/%s/attachment/%s/%s", tenantID, assetID, filename)
}

func sanitizeFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "" {
		return "png"
	}
	return format
}

func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "attachment"
	}
	return b.String()
}

func mimeFromExtension(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
