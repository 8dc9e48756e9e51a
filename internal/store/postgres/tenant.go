package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/authn"
)

// TenantStatus mirrors the Tenant.status enum.
type TenantStatus string

const (
	TenantActive         TenantStatus = "active"
	TenantSuspended      TenantStatus = "suspended"
	TenantDeprovisioning TenantStatus = "deprovisioning"
	TenantDeprovisioned  TenantStatus = "deprovisioned"
)

// Tenant is the relational projection of the Tenant entity.
type Tenant struct {
	ID              uuid.UUID
	Slug            string
	Name            string
	Status          TenantStatus
	StatusReason    string
}

// TenantRepo provides tenant and membership lookups against Postgres.
type TenantRepo struct {
	store *Store
}

func NewTenantRepo(s *Store) *TenantRepo { return &TenantRepo{store: s} }

// GetTenant loads a tenant by id, returning apperr.ErrNotFound if absent.
func (r *TenantRepo) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	var t Tenant
	err := r.store.Pool.QueryRow(ctx,
		`SELECT id, slug, name, status, coalesce(status_reason, '') FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Slug, &t.Name, &t.Status, &t.StatusReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, apperr.ErrNotFound
	}
	if err != nil {
		return Tenant{}, apperr.Wrap(apperr.KindInternal, "tenant_lookup_failed", "failed to load tenant", err)
	}
	return t, nil
}

// RequireActive enforces the "only active accepts new work" gate.
func (t Tenant) RequireActive() error {
	if t.Status != TenantActive {
		return apperr.New(apperr.KindForbidden, "tenant_not_active", "tenant is not active").
			WithDetails(map[string]any{"status": string(t.Status)})
	}
	return nil
}

// GetMembership loads a user's membership of a tenant.
func (r *TenantRepo) GetMembership(ctx context.Context, tenantID, userID uuid.UUID) (authn.Membership, error) {
	var role string
	err := r.store.Pool.QueryRow(ctx,
		`SELECT role FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return authn.Membership{}, apperr.New(apperr.KindForbidden, "no_membership", "user is not a member of this tenant")
	}
	if err != nil {
		return authn.Membership{}, apperr.Wrap(apperr.KindInternal, "membership_lookup_failed", "failed to load membership", err)
	}
	return authn.Membership{TenantID: tenantID.String(), UserID: userID.String(), Role: authn.Role(role)}, nil
}
