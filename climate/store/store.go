package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/types"
)

var (
	// ErrDuplicateKey is returned when a reading for the same series and timestamp already exists
	ErrDuplicateKey = errors.New("reading already exists")
	// ErrIO wraps backend failures
	ErrIO = errors.New("store backend failure")
)

const schema = `CREATE TABLE IF NOT EXISTS readings (
	name  TEXT NOT NULL,
	ts    BIGINT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (name, ts)
)`

// Config selects the backend
type Config struct {
	Driver       string // sqlite3 or postgres
	DSN          string
	KeepExisting bool
}

// Stats summarizes store contents
type Stats struct {
	Readings int64
	Series   int64
}

// Store holds readings keyed by (series, timestamp). All access goes through
// one mutex, so an append is visible to every read that locks after it.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	postgres bool
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Open connects to the backend and prepares the readings table.
// Unless cfg.KeepExisting is set the table is emptied.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	driverName := cfg.Driver
	postgres := false
	switch cfg.Driver {
	case "", "sqlite3":
		driverName = "sqlite3"
	case "postgres":
		driverName = "pgx"
		postgres = true
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if !postgres {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create readings table: %w", err)
	}
	if !cfg.KeepExisting {
		if _, err := db.ExecContext(ctx, "DELETE FROM readings"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reset readings table: %w", err)
		}
	}

	logger.Info("reading store opened",
		zap.String("driver", driverName),
		zap.Bool("keep_existing", cfg.KeepExisting),
	)

	return &Store{
		db:       db,
		postgres: postgres,
		logger:   logger,
		tracer:   otel.Tracer("climate/store"),
	}, nil
}

// Close closes the backend
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Append stores one reading
func (s *Store) Append(ctx context.Context, series string, ts int64, value float64) error {
	return s.AppendBatch(ctx, []types.Reading{{Series: series, Timestamp: ts, Value: value}})
}

// AppendBatch stores readings in a single transaction. If any key already
// exists nothing is written and ErrDuplicateKey is returned.
func (s *Store) AppendBatch(ctx context.Context, readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "store.AppendBatch",
		trace.WithAttributes(attribute.Int("store.readings", len(readings))))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrIO, err)
	}
	defer tx.Rollback()

	insert := s.rebind("INSERT INTO readings (name, ts, value) VALUES (?, ?, ?) ON CONFLICT DO NOTHING")
	for _, r := range readings {
		res, err := tx.ExecContext(ctx, insert, r.Series, r.Timestamp, r.Value)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("%w: insert %s at %d: %w", ErrIO, r.Series, r.Timestamp, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: rows affected: %w", ErrIO, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s at %d", ErrDuplicateKey, r.Series, r.Timestamp)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: commit: %w", ErrIO, err)
	}
	return nil
}

// QueryRange returns every reading of series ordered by timestamp ascending.
// An unknown series yields an empty slice.
func (s *Store) QueryRange(ctx context.Context, series string) ([]types.Reading, error) {
	ctx, span := s.tracer.Start(ctx, "store.QueryRange",
		trace.WithAttributes(attribute.String("store.series", series)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT ts, value FROM readings WHERE name = ? ORDER BY ts ASC"), series)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: query %s: %w", ErrIO, series, err)
	}
	defer rows.Close()

	readings := []types.Reading{}
	for rows.Next() {
		r := types.Reading{Series: series}
		if err := rows.Scan(&r.Timestamp, &r.Value); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrIO, series, err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrIO, series, err)
	}

	span.SetAttributes(attribute.Int("store.points", len(readings)))
	return readings, nil
}

// Series returns the distinct series names, sorted
func (s *Store) Series(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT name FROM readings ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: list series: %w", ErrIO, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: scan series: %w", ErrIO, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Stats counts readings and series
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COUNT(DISTINCT name) FROM readings").Scan(&st.Readings, &st.Series)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %w", ErrIO, err)
	}
	return st, nil
}

// DeleteBefore removes readings of series older than ts and reports how many went
func (s *Store) DeleteBefore(ctx context.Context, series string, ts int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM readings WHERE name = ? AND ts < ?"), series, ts)
	if err != nil {
		return 0, fmt.Errorf("%w: delete %s before %d: %w", ErrIO, series, ts, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrIO, err)
	}
	return n, nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
