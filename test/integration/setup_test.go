package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/domain/admission"
	"github.com/ehr/adt/internal/domain/directory"
	"github.com/ehr/adt/internal/domain/ward"
	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/migrations"
)

// globalPool is shared by every test, initialized once in TestMain.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("docker"); err != nil && os.Getenv("ADT_TEST_DATABASE_URL") == "" {
		fmt.Fprintln(os.Stderr, "skipping integration tests: docker not found and ADT_TEST_DATABASE_URL unset")
		os.Exit(0)
	}

	ctx := context.Background()
	connStr, cleanup := os.Getenv("ADT_TEST_DATABASE_URL"), func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}
	if err := checkDatabase(ctx, pool); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "database not usable: %v\n", err)
		os.Exit(1)
	}
	globalPool = pool

	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// newTenant creates a migrated tenant schema that is dropped when t ends.
func newTenant(t *testing.T, prefix string) string {
	t.Helper()
	id := fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
	ctx := context.Background()
	if err := db.CreateTenantSchema(ctx, globalPool, id, migrations.FS); err != nil {
		t.Fatalf("create tenant schema %s: %v", id, err)
	}
	t.Cleanup(func() {
		if _, err := globalPool.Exec(ctx, "DROP SCHEMA IF EXISTS tenant_"+id+" CASCADE"); err != nil {
			t.Logf("warning: failed to drop schema for %s: %v", id, err)
		}
	})
	return id
}

// withTenant runs fn on a connection scoped to tenantID, the way
// TenantMiddleware does for requests.
func withTenant(t *testing.T, tenantID string, fn func(ctx context.Context) error) error {
	t.Helper()
	ctx := context.Background()
	conn, err := db.AcquireTenant(ctx, globalPool, tenantID)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(db.WithConn(ctx, conn, tenantID))
}

type services struct {
	wards      *ward.Service
	admissions *admission.Service
}

func newServices() services {
	dir := directory.NewPGDirectory(globalPool)
	wards := ward.NewService(ward.NewRepo(globalPool), zerolog.Nop(), ward.RetryPolicy{MaxAttempts: 20})
	return services{
		wards:      wards,
		admissions: admission.NewService(admission.NewRepo(globalPool), wards, dir, dir, zerolog.Nop()),
	}
}

func seedPatient(t *testing.T, tenantID, id, name string) {
	t.Helper()
	err := withTenant(t, tenantID, func(ctx context.Context) error {
		_, err := db.ConnFromContext(ctx).Exec(ctx,
			`INSERT INTO patient (id, name, cnic, gender, guardian) VALUES ($1, $2, $3, 'F', '{"name":"Guardian"}')`,
			id, name, "35202-"+id)
		return err
	})
	if err != nil {
		t.Fatalf("seed patient %s: %v", id, err)
	}
}

func seedWard(t *testing.T, svc services, tenantID, number string, beds ...string) {
	t.Helper()
	err := withTenant(t, tenantID, func(ctx context.Context) error {
		_, err := svc.wards.CreateWard(ctx, ward.CreateWardInput{Number: number, Name: "Ward " + number, BedNumbers: beds})
		return err
	})
	if err != nil {
		t.Fatalf("seed ward %s: %v", number, err)
	}
}
