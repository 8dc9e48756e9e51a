package authn

import "github.com/orchestra-labs/agentcore/internal/apperr"

// Role is a tenant membership role. Roles form a total order: Owner ranks
// above Admin, Admin above Member, Member above Viewer.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleOwner:  4,
	RoleAdmin:  3,
	RoleMember: 2,
	RoleViewer: 1,
}

// AtLeast reports whether r is at least as senior as min in the
// owner ≥ admin ≥ member ≥ viewer hierarchy. An unrecognized role ranks
// below viewer.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// TenantContext is the resolved caller identity for a single request: the
// verified claims plus the tenant membership the X-Tenant-Id/X-Tenant-Role
// headers were checked against.
type TenantContext struct {
	Claims     Claims
	TenantID   string
	ActualRole Role // the membership's role of record
	HeaderRole Role // the role asserted by X-Tenant-Role
}

// Membership is the subset of a TenantMembership row the gate needs to
// resolve a request's tenant context.
type Membership struct {
	TenantID string
	UserID   string
	Role     Role
}

// ResolveTenantContext checks that headerTenantID/headerRole are consistent
// with membership: the tenant must match, and the asserted header role must
// not exceed the membership's actual role (a caller may assert a lower role
// than they hold, never a higher one).
func ResolveTenantContext(claims Claims, membership Membership, headerTenantID string, headerRole Role) (TenantContext, error) {
	if headerTenantID == "" || headerTenantID != membership.TenantID {
		return TenantContext{}, apperr.New(apperr.KindForbidden, "tenant_mismatch", "tenant header does not match membership")
	}
	if headerRole != "" && !membership.Role.AtLeast(headerRole) {
		return TenantContext{}, apperr.New(apperr.KindForbidden, "role_mismatch", "asserted role exceeds membership role")
	}
	effective := headerRole
	if effective == "" {
		effective = membership.Role
	}
	return TenantContext{
		Claims:     claims,
		TenantID:   membership.TenantID,
		ActualRole: membership.Role,
		HeaderRole: effective,
	}, nil
}

// RequireRole enforces that the context's actual membership role is at least
// min.
func (tc TenantContext) RequireRole(min Role) error {
	if !tc.ActualRole.AtLeast(min) {
		return apperr.New(apperr.KindForbidden, "insufficient_role", "caller role does not satisfy required role")
	}
	return nil
}

// RequireScopes enforces the claim's scope set satisfies required under
// match semantics.
func (tc TenantContext) RequireScopes(required []string, match Match) error {
	if !tc.Claims.Scopes.Ensure(required, match) {
		return apperr.New(apperr.KindForbidden, "insufficient_scope", "caller scopes do not satisfy required scopes")
	}
	return nil
}

// RequireUserSubject enforces that the caller's subject is a user:* subject,
// rejecting service-account callers on user-only endpoints.
func RequireUserSubject(c Claims) error {
	if !c.IsUser() {
		return apperr.New(apperr.KindForbidden, "service_account_rejected", "endpoint requires a user subject")
	}
	return nil
}
