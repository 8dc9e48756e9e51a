package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/authn"
	"github.com/orchestra-labs/agentcore/internal/ratelimit"
)

const (
	ctxKeyClaims = "agentcore.claims"
	ctxKeyTenant = "agentcore.tenant"
)

// authMiddleware verifies the bearer token and stashes the resulting
// authn.Claims on the context. It does not resolve tenant membership — that
// is tenantMiddleware's job, since it needs the X-Tenant-Id header too.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			respondError(c, apperr.New(apperr.KindUnauthenticated, "missing_bearer_token", "request must carry a Bearer token"))
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		claims, err := s.verifier.Verify(raw)
		if err != nil {
			respondError(c, apperr.New(apperr.KindUnauthenticated, "invalid_token", "bearer token failed verification"))
			return
		}
		c.Set(ctxKeyClaims, claims)
		c.Next()
	}
}

// tenantMiddleware resolves the caller's membership in the tenant named by
// X-Tenant-Id, checks the tenant is active, and stashes the resulting
// authn.TenantContext. Service-account subjects skip membership resolution
// entirely (they authenticate as the tenant itself, not a tenant member).
func (s *Server) tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := mustClaims(c)

		tenantIDHeader := c.GetHeader("X-Tenant-Id")
		if tenantIDHeader == "" {
			respondError(c, apperr.New(apperr.KindValidation, "missing_tenant_header", "X-Tenant-Id header is required"))
			return
		}
		tenantID, err := uuid.Parse(tenantIDHeader)
		if err != nil {
			respondError(c, apperr.New(apperr.KindValidation, "invalid_tenant_header", "X-Tenant-Id is not a valid id"))
			return
		}

		tenant, err := s.tenants.GetTenant(c.Request.Context(), tenantID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := tenant.RequireActive(); err != nil {
			respondError(c, err)
			return
		}

		if claims.IsServiceAccount() {
			c.Set(ctxKeyTenant, authn.TenantContext{Claims: claims, TenantID: tenantIDHeader, ActualRole: authn.RoleAdmin, HeaderRole: authn.RoleAdmin})
			c.Next()
			return
		}

		if err := authn.RequireUserSubject(claims); err != nil {
			respondError(c, err)
			return
		}
		userID, err := uuid.Parse(strings.TrimPrefix(claims.Subject, "user:"))
		if err != nil {
			respondError(c, apperr.New(apperr.KindUnauthenticated, "invalid_subject", "user subject is not a valid id"))
			return
		}
		membership, err := s.tenants.GetMembership(c.Request.Context(), tenantID, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		headerRole := authn.Role(c.GetHeader("X-Tenant-Role"))
		tc, err := authn.ResolveTenantContext(claims, membership, tenantIDHeader, headerRole)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(ctxKeyTenant, tc)
		c.Next()
	}
}

// requireRole aborts with 403 unless the resolved tenant context's
// membership role is at least min.
func (s *Server) requireRole(min authn.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := mustTenant(c)
		if err := tc.RequireRole(min); err != nil {
			respondError(c, err)
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware applies every configured fixed-window limit, scoped
// to the caller identity appropriate for each window's ratelimit.Scope.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || len(s.windows) == 0 {
			c.Next()
			return
		}
		tc := mustTenant(c)
		decision, err := s.limiter.AllowAll(c.Request.Context(), s.windows, func(scope ratelimit.Scope) string {
			switch scope {
			case ratelimit.ScopeIP:
				return c.ClientIP()
			case ratelimit.ScopeUser:
				return tc.Claims.Subject
			case ratelimit.ScopeTenant:
				return tc.TenantID
			default:
				return "global"
			}
		})
		if err != nil {
			respondError(c, apperr.Wrap(apperr.KindInternal, "rate_limit_check_failed", "failed to evaluate rate limit", err))
			return
		}
		if !decision.Allowed {
			respondError(c, apperr.New(apperr.KindRateLimited, "rate_limited", "rate limit exceeded").WithDetails(map[string]any{
				"window":              decision.Window,
				"retry_after_seconds": decision.RetryAfter,
			}))
			return
		}
		c.Next()
	}
}

func mustClaims(c *gin.Context) authn.Claims {
	v, _ := c.Get(ctxKeyClaims)
	claims, _ := v.(authn.Claims)
	return claims
}

func mustTenant(c *gin.Context) authn.TenantContext {
	v, _ := c.Get(ctxKeyTenant)
	tc, _ := v.(authn.TenantContext)
	return tc
}
