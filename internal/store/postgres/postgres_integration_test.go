package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/orchestra-labs/agentcore/internal/store/postgres"
)

// startPostgres boots a disposable Postgres container, applies the embedded
// migrations against it, and returns an open Store. Tests are skipped rather
// than failed when Docker isn't available.
func startPostgres(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	var (
		dsn string
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, runErr := tcpostgres.Run(ctx, "postgres:17-alpine",
			tcpostgres.WithDatabase("agentcore_test"),
			tcpostgres.WithUsername("agentcore"),
			tcpostgres.WithPassword("agentcore"),
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		)
		if runErr != nil {
			err = runErr
			return
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	}()
	if err != nil {
		t.Skipf("postgres container unavailable, skipping: %v", err)
	}

	require.NoError(t, postgres.Migrate(dsn))
	store, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestAssetRepoCreateAndLookup(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	tenantID := uuid.New()
	_, err := store.Pool.Exec(ctx,
		`INSERT INTO tenants (id, slug, name, status) VALUES ($1, $2, $3, 'active')`,
		tenantID, "acme", "Acme Corp",
	)
	require.NoError(t, err)

	repo := postgres.NewAssetRepo(store)
	asset := postgres.Asset{
		ID:         uuid.New(),
		TenantID:   tenantID,
		ObjectKey:  "tenants/acme/uploads/report.pdf",
		Filename:   "report.pdf",
		MimeType:   "application/pdf",
		SizeBytes:  2048,
		ToolCallID: "call_1",
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, repo.Create(ctx, asset))

	loaded, ok, err := repo.ByID(ctx, tenantID, asset.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, asset.ObjectKey, loaded.ObjectKey)
	require.Equal(t, asset.ToolCallID, loaded.ToolCallID)

	byCall, ok, err := repo.ByToolCallID(ctx, tenantID, "call_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, asset.ID, byCall.ID)

	_, ok, err = repo.ByToolCallID(ctx, tenantID, "call_missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTenantRepoGetTenant(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	tenantID := uuid.New()
	_, err := store.Pool.Exec(ctx,
		`INSERT INTO tenants (id, slug, name, status, status_reason) VALUES ($1, $2, $3, 'suspended', $4)`,
		tenantID, "globex", "Globex", "overdue invoice",
	)
	require.NoError(t, err)

	repo := postgres.NewTenantRepo(store)
	tenant, err := repo.GetTenant(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, postgres.TenantSuspended, tenant.Status)
	require.Equal(t, "overdue invoice", tenant.StatusReason)
	require.Error(t, tenant.RequireActive())
}
