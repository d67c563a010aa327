// Package store persists validated telemetry records, one transaction per
// record.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/pcstats-logger/internal/database"
	"github.com/skobkin/pcstats-logger/internal/retry"
	"github.com/skobkin/pcstats-logger/internal/stats"
)

var (
	// ErrConflict marks a primary key violation.
	ErrConflict = errors.New("record already exists")
	// ErrNotFound is returned by the Get methods when no row matches.
	ErrNotFound = errors.New("record not found")
)

// Error describes a failed store operation for one record.
type Error struct {
	Kind stats.Kind
	Key  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s record %s: %v", e.Kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RecordStore creates records of either kind.
type RecordStore interface {
	Create(ctx context.Context, rec stats.Record) (stats.Record, error)
}

// Discard accepts every record without persisting it. It backs dry runs.
type Discard struct{}

var _ RecordStore = Discard{}

func (Discard) Create(_ context.Context, rec stats.Record) (stats.Record, error) {
	if rec == nil {
		return nil, errors.New("store: nil record")
	}
	return rec, nil
}

// Options tune a SQLStore.
type Options struct {
	Retry   retry.Config
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// SQLStore implements RecordStore on a database/sql handle. It is safe for
// concurrent use.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	retry   retry.Config
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	// exec runs one insert attempt; tests replace it to simulate lost commits.
	exec func(ctx context.Context, query string, args []any) error
}

var _ RecordStore = (*SQLStore)(nil)

// New creates the tables when missing and returns a ready store.
func New(ctx context.Context, db *sql.DB, dialect database.Dialect, opts Options) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("store: nil database handle")
	}
	if dialect != database.SQLite && dialect != database.Postgres {
		return nil, fmt.Errorf("store: unsupported dialect %q", dialect)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		retry:   opts.Retry,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	s.exec = s.insertTx
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// Create inserts rec in its own transaction and returns the persisted
// record. A zero timestamp is replaced with the current time. Timestamps are
// truncated to microseconds.
func (s *SQLStore) Create(ctx context.Context, rec stats.Record) (stats.Record, error) {
	switch r := rec.(type) {
	case stats.HostSample:
		r.Timestamp = s.normalizeTime(r.Timestamp)
		err := s.insert(ctx, stats.KindHost, hostKey(r), insertHostSQL, s.timeArg(r.Timestamp),
			nullArg(r.CPUUsagePercent), nullArg(r.CPUFrequencyMHz), nullArg(r.RAMUsedGB), nullArg(r.RAMAvailableGB),
			nullArg(r.NetBytesReceivedMB), nullArg(r.NetBytesSentMB))
		if err != nil {
			return nil, err
		}
		return r, nil
	case stats.GPUSample:
		r.Timestamp = s.normalizeTime(r.Timestamp)
		err := s.insert(ctx, stats.KindGPU, gpuKey(r.Timestamp, r.GPUID), insertGPUSQL, s.timeArg(r.Timestamp),
			r.GPUID, nullArg(r.RAMUsedMB), nullArg(r.RAMAvailableMB), nullArg(r.TemperatureCelsius))
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("store: unsupported record type %T", rec)
	}
}

func (s *SQLStore) insert(ctx context.Context, kind stats.Kind, key, query string, args ...any) error {
	query = s.rebind(query)
	notify := func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("retrying insert", "entity", kind, "key", key, "attempt", attempt, "delay", delay, "err", err)
	}

	// An attempt that timed out may still have committed. A conflict on a
	// later attempt of the same insert is then our own row.
	var uncertain bool
	err := retry.Do(ctx, s.retry, isTransient, notify, func(ctx context.Context) error {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		err := s.exec(ctx, query, args)
		switch {
		case err == nil:
			return nil
		case uncertain && isConflict(err):
			s.logger.Warn("insert committed by an earlier attempt", "entity", kind, "key", key, "err", err)
			return nil
		case isTransient(err):
			uncertain = true
		}
		return err
	})
	if err == nil {
		return nil
	}
	if isConflict(err) {
		err = errors.Join(ErrConflict, err)
	}
	return &Error{Kind: kind, Key: key, Err: err}
}

func (s *SQLStore) insertTx(ctx context.Context, query string, args []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetHost reads back the host record stored at the given instant.
func (s *SQLStore) GetHost(ctx context.Context, at time.Time) (stats.HostSample, error) {
	at = at.UTC().Truncate(time.Microsecond)
	row := s.db.QueryRowContext(ctx, s.rebind(selectHostSQL), s.timeArg(at))

	var (
		ts     any
		fields [6]sql.NullFloat64
	)
	err := row.Scan(&ts, &fields[0], &fields[1], &fields[2], &fields[3], &fields[4], &fields[5])
	if err != nil {
		return stats.HostSample{}, s.readError(stats.KindHost, hostKeyAt(at), err)
	}
	parsed, err := s.parseTime(ts)
	if err != nil {
		return stats.HostSample{}, &Error{Kind: stats.KindHost, Key: hostKeyAt(at), Err: err}
	}

	return stats.HostSample{
		Timestamp:          parsed,
		CPUUsagePercent:    nullable(fields[0]),
		CPUFrequencyMHz:    nullable(fields[1]),
		RAMUsedGB:          nullable(fields[2]),
		RAMAvailableGB:     nullable(fields[3]),
		NetBytesReceivedMB: nullable(fields[4]),
		NetBytesSentMB:     nullable(fields[5]),
	}, nil
}

// GetGPU reads back one accelerator record.
func (s *SQLStore) GetGPU(ctx context.Context, at time.Time, gpuID int) (stats.GPUSample, error) {
	at = at.UTC().Truncate(time.Microsecond)
	row := s.db.QueryRowContext(ctx, s.rebind(selectGPUSQL), s.timeArg(at), gpuID)

	var (
		ts     any
		id     int64
		fields [3]sql.NullFloat64
	)
	if err := row.Scan(&ts, &id, &fields[0], &fields[1], &fields[2]); err != nil {
		return stats.GPUSample{}, s.readError(stats.KindGPU, gpuKey(at, gpuID), err)
	}
	parsed, err := s.parseTime(ts)
	if err != nil {
		return stats.GPUSample{}, &Error{Kind: stats.KindGPU, Key: gpuKey(at, gpuID), Err: err}
	}

	return stats.GPUSample{
		Timestamp:          parsed,
		GPUID:              int(id),
		RAMUsedMB:          nullable(fields[0]),
		RAMAvailableMB:     nullable(fields[1]),
		TemperatureCelsius: nullable(fields[2]),
	}, nil
}

func (s *SQLStore) readError(kind stats.Kind, key string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return &Error{Kind: kind, Key: key, Err: err}
}

func (s *SQLStore) normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		t = s.now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

// SQLite stores timestamps as fixed-width UTC text so equality on the key is
// exact; PostgreSQL uses TIMESTAMPTZ.
func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == database.SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func (s *SQLStore) parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseSQLiteTime(t)
	case []byte:
		return parseSQLiteTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected time column type %T", v)
	}
}

func parseSQLiteTime(v string) (time.Time, error) {
	parsed, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time column: %w", err)
	}
	return parsed.UTC(), nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != database.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func hostKey(r stats.HostSample) string {
	return hostKeyAt(r.Timestamp)
}

func hostKeyAt(t time.Time) string {
	return "time=" + t.UTC().Format(time.RFC3339Nano)
}

func gpuKey(t time.Time, gpuID int) string {
	return fmt.Sprintf("time=%s gpu_id=%d", t.UTC().Format(time.RFC3339Nano), gpuID)
}
