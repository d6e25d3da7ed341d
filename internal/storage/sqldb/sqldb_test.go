package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/google/go-cmp/cmp"

	"AssuredChain/internal/config"
)

func TestOpenSQLiteAppliesMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	db, err := Open(ctx, "sqlite", path, config.PoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	applied, err := AppliedVersions(ctx, db)
	if err != nil {
		t.Fatalf("applied versions: %v", err)
	}
	if diff := cmp.Diff(map[string]struct{}{"0001": {}, "0002": {}}, applied); diff != "" {
		t.Fatalf("applied mismatch (-want +got):\n%s", diff)
	}

	// A second run must be a no-op.
	if err := Migrate(ctx, db, DriverSQLite); err != nil {
		t.Fatalf("re-run migrations: %v", err)
	}

	for _, table := range []string{"ledger_records", "anchor_jobs"} {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	insert := `INSERT INTO ledger_records (project_id, step, digest, tx_hash, created_at) VALUES ('p', 's', 'd', '0xabc', 1)`
	if _, err := db.ExecContext(ctx, insert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.ExecContext(ctx, insert)
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "postgres", "dsn", config.PoolConfig{}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open(context.Background(), "sqlite", "", config.PoolConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestIsDuplicate(t *testing.T) {
	if !IsDuplicate(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatalf("mysql 1062 should be a duplicate")
	}
	if IsDuplicate(&mysql.MySQLError{Number: 1146}) || IsDuplicate(errors.New("boom")) || IsDuplicate(nil) {
		t.Fatalf("unexpected duplicate classification")
	}
}

func TestSplitAndVersion(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);\n")
	if diff := cmp.Diff([]string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, got); diff != "" {
		t.Fatalf("statements mismatch (-want +got):\n%s", diff)
	}
	if v := parseMigrationVersion("0003_add_index.sql"); v != "0003" {
		t.Fatalf("unexpected version %q", v)
	}
}
