package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	core, logs := observer.New(zap.InfoLevel)
	r := NewRunner(db, WithLogger(zap.New(core)))

	applied, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(applied) != 2 || applied[0].Version != 1 || applied[1].Version != 2 {
		t.Fatalf("applied = %+v, want versions 1,2", applied)
	}

	for _, table := range []string{"measurements", "metric_columns", VersionTable} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	entries := logs.FilterMessage("migration applied").All()
	if len(entries) != 2 {
		t.Fatalf("logged %d applied migrations, want 2", len(entries))
	}
	if got := entries[1].ContextMap()["name"]; got != "002_metric_columns.sql" {
		t.Errorf("second logged name = %v", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)
	ctx := context.Background()

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	applied, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("second Run applied %d migrations", len(applied))
	}

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Current != 2 || st.Latest != 2 || len(st.Pending) != 0 {
		t.Errorf("status = %+v, want current=2 latest=2 no pending", st)
	}
}

func TestStatusReportsPending(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)
	ctx := context.Background()

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Current != 0 || st.Latest != 2 {
		t.Errorf("before run: status = %+v", st)
	}
	if len(st.Pending) != 2 || st.Pending[0] != "001_measurements.sql" {
		t.Errorf("before run: pending = %v", st.Pending)
	}
}

func TestRunAppliesOnlyNewMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte(`CREATE TABLE a (x INTEGER)`)},
	}
	if _, err := NewRunner(db, withFS(first)).Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte(`CREATE TABLE a (x INTEGER)`)},
		"migrations/002_b.sql": {Data: []byte(`CREATE TABLE b (y INTEGER)`)},
	}
	applied, err := NewRunner(db, withFS(second)).Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(applied) != 1 || applied[0].Name != "002_b.sql" {
		t.Errorf("applied = %+v, want only 002_b.sql", applied)
	}
}

func TestRunRejectsConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"migrations/001_a.sql": {Data: []byte(`SELECT 1`)},
			"migrations/001_b.sql": {Data: []byte(`SELECT 1`)},
		}
		_, err := NewRunner(openTestDB(t), withFS(fsys)).Run(ctx)
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("err = %v, want %v", err, ErrVersionConflict)
		}
	})

	t.Run("renamed migration", func(t *testing.T) {
		db := openTestDB(t)
		if _, err := NewRunner(db, withFS(fstest.MapFS{
			"migrations/001_a.sql": {Data: []byte(`SELECT 1`)},
		})).Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
		_, err := NewRunner(db, withFS(fstest.MapFS{
			"migrations/001_renamed.sql": {Data: []byte(`SELECT 1`)},
		})).Run(ctx)
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("err = %v, want %v", err, ErrVersionConflict)
		}
	})

	t.Run("database ahead of build", func(t *testing.T) {
		db := openTestDB(t)
		if _, err := NewRunner(db, withFS(fstest.MapFS{
			"migrations/001_a.sql": {Data: []byte(`SELECT 1`)},
			"migrations/002_b.sql": {Data: []byte(`SELECT 1`)},
		})).Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
		_, err := NewRunner(db, withFS(fstest.MapFS{
			"migrations/001_a.sql": {Data: []byte(`SELECT 1`)},
		})).Status(ctx)
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("err = %v, want %v", err, ErrVersionConflict)
		}
	})
}
