// Package dbtest provisions throwaway tenant schemas for repository tests.
// Tests are skipped unless TEST_DATABASE_URL points at a Postgres server.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/lhp/internal/platform/db"
	"github.com/ehr/lhp/migrations"
)

// Tenant is a migrated schema private to one test.
type Tenant struct {
	ID     string
	Pool   *pgxpool.Pool
	Runner *db.TenantRunner
}

// Run calls fn with a context scoped to the tenant's schema.
func (tn *Tenant) Run(t *testing.T, fn func(ctx context.Context)) {
	t.Helper()
	err := tn.Runner.Run(context.Background(), tn.ID, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("run in tenant %s: %v", tn.ID, err)
	}
}

// NewTenant creates and migrates a fresh tenant schema, dropped when the
// test ends.
func NewTenant(t *testing.T) *Tenant {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := db.NewPool(ctx, url, 8, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	tenantID := "t" + uuid.NewString()[:8]
	if err := db.CreateTenantSchema(ctx, pool, tenantID, db.NewFSMigrator(pool, migrations.FS)); err != nil {
		pool.Close()
		t.Fatalf("create tenant schema: %v", err)
	}
	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", db.SchemaName(tenantID))); err != nil {
			t.Logf("drop schema: %v", err)
		}
		pool.Close()
	})
	return &Tenant{ID: tenantID, Pool: pool, Runner: db.NewTenantRunner(pool)}
}
