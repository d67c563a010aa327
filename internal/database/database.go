// Package database opens the relational store named by a connection URL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavor details such as placeholders and column types.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const (
	maintenanceDatabase = "postgres"
	sqliteBusyTimeoutMs = 5000
	pgDuplicateDatabase = "42P04"
)

// Target is a parsed connection URL.
type Target struct {
	Dialect Dialect
	// DSN is handed to sql.Open.
	DSN string
	// Path is the SQLite file path.
	Path string
	// Database is the PostgreSQL database name.
	Database string
	// Redacted is safe to log.
	Redacted string
}

// Parse interprets postgres://, postgresql://, sqlite:// and file: URLs.
func Parse(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, errors.New("database url is empty")
	}

	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return parsePostgres(raw)
	case strings.HasPrefix(raw, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(raw, "sqlite:"), "//")
		return sqliteTarget(path)
	case strings.HasPrefix(raw, "file:"):
		return sqliteTarget(strings.TrimPrefix(raw, "file:"))
	default:
		return Target{}, fmt.Errorf("unsupported database url scheme in %q", redactRaw(raw))
	}
}

func parsePostgres(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse database url: %w", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return Target{}, errors.New("database url has no database name")
	}
	return Target{
		Dialect:  Postgres,
		DSN:      raw,
		Database: name,
		Redacted: u.Redacted(),
	}, nil
}

func sqliteTarget(path string) (Target, error) {
	path, _, _ = strings.Cut(path, "?")
	if path == "" {
		return Target{}, errors.New("sqlite url has no path")
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, sqliteBusyTimeoutMs)
	return Target{
		Dialect:  SQLite,
		DSN:      dsn,
		Path:     path,
		Redacted: "sqlite://" + path,
	}, nil
}

// Open connects to the database named by rawURL. SQLite parent directories
// and missing PostgreSQL databases are created first.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (*sql.DB, Dialect, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	target, err := Parse(rawURL)
	if err != nil {
		return nil, "", err
	}

	var db *sql.DB
	switch target.Dialect {
	case SQLite:
		db, err = openSQLite(target)
	case Postgres:
		db, err = openPostgres(ctx, target, logger)
	}
	if err != nil {
		return nil, "", err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("database: ping %s: %w", target.Redacted, err)
	}

	logger.Info("database opened", "dialect", target.Dialect, "url", target.Redacted)
	return db, target.Dialect, nil
}

func openSQLite(target Target) (*sql.DB, error) {
	if dir := filepath.Dir(target.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("database: failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", target.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: failed to open database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(ctx context.Context, target Target, logger *slog.Logger) (*sql.DB, error) {
	if err := ensurePostgresDatabase(ctx, target, logger); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", target.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: failed to open database: %w", err)
	}
	return db, nil
}

// ensurePostgresDatabase connects to the maintenance database and creates
// the target database when it does not exist yet.
func ensurePostgresDatabase(ctx context.Context, target Target, logger *slog.Logger) error {
	maintenanceDSN, err := MaintenanceDSN(target.DSN)
	if err != nil {
		return err
	}

	conn, err := pgx.Connect(ctx, maintenanceDSN)
	if err != nil {
		return fmt.Errorf("database: connect to %s database: %w", maintenanceDatabase, err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", target.Database).Scan(&exists); err != nil {
		return fmt.Errorf("database: check database %q: %w", target.Database, err)
	}
	if exists {
		return nil
	}

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{target.Database}.Sanitize()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateDatabase {
			return nil
		}
		return fmt.Errorf("database: create database %q: %w", target.Database, err)
	}
	logger.Info("database created", "database", target.Database)
	return nil
}

// MaintenanceDSN rewrites a PostgreSQL URL to point at the maintenance
// database, keeping credentials and query parameters.
func MaintenanceDSN(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	u.Path = "/" + maintenanceDatabase
	u.RawPath = ""
	return u.String(), nil
}

func redactRaw(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
