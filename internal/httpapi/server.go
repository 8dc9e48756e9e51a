// Package httpapi wires the agentcore engines onto an HTTP boundary using
// gin, following the same Server-wraps-dependencies, route-group-per-concern
// shape the example pack's gin services use.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/agentengine"
	"github.com/orchestra-labs/agentcore/internal/authn"
	"github.com/orchestra-labs/agentcore/internal/config"
	"github.com/orchestra-labs/agentcore/internal/ledger"
	"github.com/orchestra-labs/agentcore/internal/ratelimit"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
	"github.com/orchestra-labs/agentcore/internal/workflow"
)

// UsagePolicy resolves the plan-backed usage limits a tenant (and,
// optionally, a user within it) is subject to. It is an open seam: no
// concrete plan/billing store exists. Server stores the policy it is given,
// but no route or middleware consults it, so usage-guardrail limits are not
// enforced whatever the policy or config.Config.UsageGuardrailsOn.
type UsagePolicy interface {
	Limits(ctx context.Context, tenantID uuid.UUID) ([]ratelimit.UsageLimit, error)
}

// Server holds every dependency the route handlers close over. It has no
// behavior of its own beyond Router: handlers live in the sibling files,
// grouped by resource.
type Server struct {
	cfg config.Config
	now func() time.Time

	verifier    *authn.Verifier
	limiter     *ratelimit.WindowLimiter
	windows     []ratelimit.Window
	usagePolicy UsagePolicy
	usage       *postgres.UsageRepo

	tenants           *postgres.TenantRepo
	conversations     *postgres.ConversationRepo
	conversationEvents *postgres.ConversationEventRepo
	workflowRuns      *postgres.WorkflowRepo

	agents    *agentengine.Engine
	workflows *workflow.Engine
	reader    *ledger.Reader
}

// NewServer constructs a Server. usagePolicy may be nil — see UsagePolicy.
func NewServer(
	cfg config.Config,
	verifier *authn.Verifier,
	limiter *ratelimit.WindowLimiter,
	windows []ratelimit.Window,
	usagePolicy UsagePolicy,
	usage *postgres.UsageRepo,
	tenants *postgres.TenantRepo,
	conversations *postgres.ConversationRepo,
	conversationEvents *postgres.ConversationEventRepo,
	workflowRuns *postgres.WorkflowRepo,
	agents *agentengine.Engine,
	workflows *workflow.Engine,
	reader *ledger.Reader,
) *Server {
	return &Server{
		cfg:                cfg,
		now:                time.Now,
		verifier:           verifier,
		limiter:            limiter,
		windows:            windows,
		usagePolicy:        usagePolicy,
		usage:              usage,
		tenants:            tenants,
		conversations:      conversations,
		conversationEvents: conversationEvents,
		workflowRuns:       workflowRuns,
		agents:             agents,
		workflows:          workflows,
		reader:             reader,
	}
}

// Router builds the gin.Engine exposing every route spec.md §6.1 names,
// wrapped in the auth/tenant-gate/rate-limit middleware chain.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(s.authMiddleware(), s.tenantMiddleware(), s.rateLimitMiddleware())
	{
		v1.POST("/chat", s.handleChat)
		v1.POST("/chat/stream", s.handleChatStream)

		v1.GET("/conversations", s.requireRole(authn.RoleViewer), s.handleListConversations)
		v1.GET("/conversations/search", s.requireRole(authn.RoleViewer), s.handleSearchConversations)
		v1.GET("/conversations/:id", s.requireRole(authn.RoleViewer), s.handleGetConversation)
		v1.DELETE("/conversations/:id", s.requireRole(authn.RoleAdmin), s.handleDeleteConversation)
		v1.GET("/conversations/:id/events", s.requireRole(authn.RoleViewer), s.handleConversationEvents)
		v1.GET("/conversations/:id/ledger/events", s.requireRole(authn.RoleViewer), s.handleLedgerEvents)
		v1.GET("/conversations/:id/ledger/stream", s.requireRole(authn.RoleViewer), s.handleLedgerStream)

		v1.GET("/workflows", s.requireRole(authn.RoleViewer), s.handleWorkflowCatalog)
		v1.POST("/workflows/:key/run", s.requireRole(authn.RoleMember), s.handleWorkflowRun)
		v1.POST("/workflows/:key/run-stream", s.requireRole(authn.RoleMember), s.handleWorkflowRunStream)
		v1.GET("/workflows/runs/:run_id", s.requireRole(authn.RoleViewer), s.handleWorkflowRunGet)
		v1.POST("/workflows/runs/:run_id/cancel", s.requireRole(authn.RoleAdmin), s.handleWorkflowRunCancel)
		v1.GET("/workflows/runs/:run_id/replay/events", s.requireRole(authn.RoleViewer), s.handleWorkflowReplayEvents)
		v1.GET("/workflows/runs/:run_id/replay/stream", s.requireRole(authn.RoleViewer), s.handleWorkflowReplayStream)
	}

	return r
}
