package migrate

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"nlrstudio/internal/db"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateRecordsNamesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	history, err := History(ctx, conn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) == 0 || history[0].Version != 1 || history[0].Name != "init" || history[0].AppliedAt == "" {
		t.Fatalf("unexpected history %+v", history)
	}
	embedded, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != len(embedded) {
		t.Fatalf("expected %d applied migrations, got %d", len(embedded), len(history))
	}
	current, err := Current(ctx, conn)
	if err != nil || current != embedded[len(embedded)-1].Version {
		t.Fatalf("unexpected current version %d %v", current, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT id FROM sessions LIMIT 1`); err != nil {
		t.Fatalf("sessions table missing: %v", err)
	}
}

func TestApplyOnlyNewerMigrations(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	first := []Migration{{Version: 1, Name: "a", UpSQL: `CREATE TABLE a(x INTEGER);`}}
	if err := apply(ctx, conn, first); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	next := append(first, Migration{Version: 2, Name: "b", UpSQL: `CREATE TABLE b(x INTEGER);`})
	if err := apply(ctx, conn, next); err != nil {
		t.Fatalf("apply next: %v", err)
	}
	history, err := History(ctx, conn)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Name != "b" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestFailedMigrationIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t)
	bad := []Migration{
		{Version: 1, Name: "ok", UpSQL: `CREATE TABLE ok(x INTEGER);`},
		{Version: 2, Name: "broken", UpSQL: `CREATE TABLE;`},
	}
	err := apply(ctx, conn, bad)
	if err == nil || !strings.Contains(err.Error(), "002_broken") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	current, err := Current(ctx, conn)
	if err != nil || current != 1 {
		t.Fatalf("expected version 1 after failure, got %d %v", current, err)
	}
}

func TestReadMigrationsRejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no name":   {"sql/001.sql": {Data: []byte("")}},
		"bad num":   {"sql/abc_init.sql": {Data: []byte("")}},
		"duplicate": {"sql/001_a.sql": {Data: []byte("")}, "sql/1_b.sql": {Data: []byte("")}},
	}
	for name, fsys := range cases {
		if _, err := readMigrations(fsys, "sql"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	ok := fstest.MapFS{
		"sql/002_b.sql":  {Data: []byte("B")},
		"sql/001_a.sql":  {Data: []byte("A")},
		"sql/README.txt": {Data: []byte("ignored")},
	}
	migs, err := readMigrations(ok, "sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(migs) != 2 || migs[0].Name != "a" || migs[1].UpSQL != "B" {
		t.Fatalf("unexpected migrations %+v", migs)
	}
}
