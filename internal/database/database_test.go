package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		raw      string
		dialect  Dialect
		path     string
		database string
		redacted string
	}{
		{"SQLiteAbsolute", "sqlite:///var/lib/pcstats/stats.db", SQLite, "/var/lib/pcstats/stats.db", "", "sqlite:///var/lib/pcstats/stats.db"},
		{"SQLiteRelative", "sqlite://stats.db", SQLite, "stats.db", "", "sqlite://stats.db"},
		{"FileURL", "file:data/stats.db?cache=shared", SQLite, "data/stats.db", "", "sqlite://data/stats.db"},
		{"Postgres", "postgres://stats:secret@db:5432/pcstats?sslmode=disable", Postgres, "", "pcstats", "postgres://stats:xxxxx@db:5432/pcstats?sslmode=disable"},
		{"PostgreSQL", "postgresql://db/pcstats", Postgres, "", "pcstats", "postgresql://db/pcstats"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			target, err := Parse(tc.raw)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tc.raw, err)
			}
			if target.Dialect != tc.dialect {
				t.Errorf("dialect = %q, want %q", target.Dialect, tc.dialect)
			}
			if target.Path != tc.path {
				t.Errorf("path = %q, want %q", target.Path, tc.path)
			}
			if target.Database != tc.database {
				t.Errorf("database = %q, want %q", target.Database, tc.database)
			}
			if target.Redacted != tc.redacted {
				t.Errorf("redacted = %q, want %q", target.Redacted, tc.redacted)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "mysql://db/stats", "postgres://db", "sqlite://"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) expected error", raw)
		}
	}
}

func TestParseDoesNotLeakPassword(t *testing.T) {
	t.Parallel()

	_, err := Parse("mysql://user:hunter2@db/stats")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "hunter2") {
		t.Fatalf("error leaks password: %v", err)
	}
}

func TestMaintenanceDSN(t *testing.T) {
	t.Parallel()

	got, err := MaintenanceDSN("postgres://stats:secret@db:5432/pcstats?sslmode=disable")
	if err != nil {
		t.Fatalf("MaintenanceDSN returned error: %v", err)
	}
	want := "postgres://stats:secret@db:5432/postgres?sslmode=disable"
	if got != want {
		t.Fatalf("MaintenanceDSN = %q, want %q", got, want)
	}
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "stats.db")

	db, dialect, err := Open(context.Background(), "sqlite://"+path, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if dialect != SQLite {
		t.Fatalf("dialect = %q, want %q", dialect, SQLite)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("expected parent directory: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}
