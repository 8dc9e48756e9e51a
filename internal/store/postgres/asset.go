package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orchestra-labs/agentcore/internal/apperr"
)

// Asset is the relational catalog entry for an object-store-backed
// attachment: an inbound upload (source_object_id set, tool_call_id and
// container_file_id empty) or an outbound tool-emitted artifact
// (tool_call_id or container_file_id set, deduplicating repeated emits for
// the same tool call or container file).
type Asset struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ObjectKey       string
	Filename        string
	MimeType        string
	SizeBytes       int64
	ToolCallID      string
	ContainerFileID string
	SourceObjectID  string
	CreatedAt       time.Time
}

// AssetRepo persists the asset catalog backing attachment ingestion.
type AssetRepo struct {
	store *Store
}

func NewAssetRepo(s *Store) *AssetRepo { return &AssetRepo{store: s} }

// Create inserts a.ID must already be set by the caller (uuid.New()).
func (r *AssetRepo) Create(ctx context.Context, a Asset) error {
	_, err := r.store.Pool.Exec(ctx,
		`INSERT INTO assets (id, tenant_id, object_key, filename, mime_type, size_bytes, tool_call_id, container_file_id, source_object_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,nullif($7,''),nullif($8,''),nullif($9,''),$10)`,
		a.ID, a.TenantID, a.ObjectKey, a.Filename, a.MimeType, a.SizeBytes,
		a.ToolCallID, a.ContainerFileID, a.SourceObjectID, a.CreatedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "asset_create_failed", "failed to persist asset", err)
	}
	return nil
}

// ByID returns the catalog entry for assetID within tenantID, if any. Input
// attachment refs resolve against this: the object must already be
// cataloged. No code path in this module writes rows for inbound uploads;
// Create is called only for tool-emitted outputs.
func (r *AssetRepo) ByID(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (Asset, bool, error) {
	var a Asset
	err := r.store.Pool.QueryRow(ctx,
		`SELECT id, tenant_id, object_key, filename, mime_type, size_bytes,
		        coalesce(tool_call_id,''), coalesce(container_file_id,''), coalesce(source_object_id,''), created_at
		 FROM assets WHERE tenant_id = $1 AND id = $2`,
		tenantID, assetID,
	).Scan(
		&a.ID, &a.TenantID, &a.ObjectKey, &a.Filename, &a.MimeType, &a.SizeBytes,
		&a.ToolCallID, &a.ContainerFileID, &a.SourceObjectID, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, false, nil
	}
	if err != nil {
		return Asset{}, false, apperr.Wrap(apperr.KindInternal, "asset_lookup_failed", "failed to look up asset", err)
	}
	return a, true, nil
}

// ByToolCallID returns the asset already recorded for toolCallID within
// tenantID, if any — the dedupe check for repeated image-generation emits
// from the same tool call.
func (r *AssetRepo) ByToolCallID(ctx context.Context, tenantID uuid.UUID, toolCallID string) (Asset, bool, error) {
	return r.byUniqueColumn(ctx, tenantID, "tool_call_id", toolCallID)
}

// ByContainerFileID returns the asset already recorded for containerFileID
// within tenantID, if any — the dedupe check for repeated container-file
// citations.
func (r *AssetRepo) ByContainerFileID(ctx context.Context, tenantID uuid.UUID, containerFileID string) (Asset, bool, error) {
	return r.byUniqueColumn(ctx, tenantID, "container_file_id", containerFileID)
}

func (r *AssetRepo) byUniqueColumn(ctx context.Context, tenantID uuid.UUID, column, value string) (Asset, bool, error) {
	if value == "" {
		return Asset{}, false, nil
	}
	var a Asset
	query := `SELECT id, tenant_id, object_key, filename, mime_type, size_bytes,
	                 coalesce(tool_call_id,''), coalesce(container_file_id,''), coalesce(source_object_id,''), created_at
	          FROM assets WHERE tenant_id = $1 AND ` + column + ` = $2`
	err := r.store.Pool.QueryRow(ctx, query, tenantID, value).Scan(
		&a.ID, &a.TenantID, &a.ObjectKey, &a.Filename, &a.MimeType, &a.SizeBytes,
		&a.ToolCallID, &a.ContainerFileID, &a.SourceObjectID, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, false, nil
	}
	if err != nil {
		return Asset{}, false, apperr.Wrap(apperr.KindInternal, "asset_lookup_failed", "failed to look up asset", err)
	}
	return a, true, nil
}
