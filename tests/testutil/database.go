package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dimitrije/nikode-collab/internal/database"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DatabaseURLEnv points the integration suite at an existing Postgres
// instead of starting a container.
const DatabaseURLEnv = "COLLAB_TEST_DATABASE_URL"

// TestDB is a migrated file store database.
type TestDB struct {
	DB *database.DB
}

// SetupTestDB connects to DatabaseURLEnv when set, otherwise to a fresh
// postgres testcontainer. The schema is migrated and empty.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	dsn := os.Getenv(DatabaseURLEnv)
	if dsn == "" {
		dsn = startPostgres(ctx, t)
	}

	db, err := database.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	tdb := &TestDB{DB: db}
	tdb.Reset(t)
	return tdb
}

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "collab_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	return fmt.Sprintf("postgres://test:test@%s:%s/collab_test?sslmode=disable", host, port.Port())
}

// Reset empties the file table.
func (tdb *TestDB) Reset(t *testing.T) {
	t.Helper()
	if _, err := tdb.DB.Pool.Exec(context.Background(), "TRUNCATE TABLE collaboration_files"); err != nil {
		t.Fatalf("failed to truncate collaboration_files: %v", err)
	}
}

// FileVersion reads the stored version straight from the table, bypassing
// the service.
func (tdb *TestDB) FileVersion(t *testing.T, fileID uuid.UUID) int {
	t.Helper()
	var version int
	err := tdb.DB.Pool.QueryRow(context.Background(),
		"SELECT version FROM collaboration_files WHERE id = $1", fileID).Scan(&version)
	if err != nil {
		t.Fatalf("failed to read version of %s: %v", fileID, err)
	}
	return version
}

// GroupFileCount counts stored files in groupID.
func (tdb *TestDB) GroupFileCount(t *testing.T, groupID uuid.UUID) int {
	t.Helper()
	var n int
	err := tdb.DB.Pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM collaboration_files WHERE group_id = $1", groupID).Scan(&n)
	if err != nil {
		t.Fatalf("failed to count files of %s: %v", groupID, err)
	}
	return n
}
