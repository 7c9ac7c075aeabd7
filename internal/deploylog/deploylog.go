// Package deploylog persists one append-only row per deployment attempt, linking
// the target host and start time to the archived runner log.
package deploylog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	maxHostLen      = 255
	defaultMaxRows  = 100
	schemaStatement = `CREATE TABLE IF NOT EXISTS logs (
	id serial PRIMARY KEY,
	host varchar(255) NOT NULL,
	date_time timestamptz NOT NULL,
	log_file_name varchar(512)
)`
	indexStatement = `CREATE INDEX IF NOT EXISTS logs_host_date_time_idx ON logs (host, date_time DESC)`
)

type Record struct {
	ID           int64
	Host         string
	Timestamp    time.Time
	LogReference string
}

func (r Record) Validate() error {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		return errors.New("host is required")
	}
	if len(host) > maxHostLen {
		return fmt.Errorf("host exceeds %d characters", maxHostLen)
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store reads and appends rows of the logs table. It never updates or deletes.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("deploy log store not initialized")
	}
	for _, stmt := range []string{schemaStatement, indexStatement} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure logs schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return errors.New("deploy log store not initialized")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO logs (host, date_time, log_file_name) VALUES ($1, $2, $3)`,
		strings.TrimSpace(rec.Host),
		rec.Timestamp.UTC(),
		strings.TrimSpace(rec.LogReference),
	)
	if err != nil {
		return fmt.Errorf("insert deploy log: %w", err)
	}
	return nil
}

// ListByHost returns the newest records first. A limit <= 0 selects the default.
func (s *Store) ListByHost(ctx context.Context, host string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("deploy log store not initialized")
	}
	query, args, err := buildListQuery(host, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deploy logs: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec Record
			ref sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Host, &rec.Timestamp, &ref); err != nil {
			return nil, fmt.Errorf("scan deploy log: %w", err)
		}
		rec.LogReference = strings.TrimSpace(ref.String)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deploy logs: %w", err)
	}
	return out, nil
}

func buildListQuery(host string, limit int) (string, []any, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", nil, errors.New("host is required")
	}
	if limit <= 0 {
		limit = defaultMaxRows
	}
	query := `SELECT id, host, date_time, log_file_name FROM logs WHERE host = $1 ORDER BY date_time DESC, id DESC LIMIT $2`
	return query, []any{host, limit}, nil
}

// Inserter is the write side of Store.
type Inserter interface {
	Insert(ctx context.Context, rec Record) error
}

// Recorder makes exactly one insert per call and never fails the caller.
type Recorder struct {
	store  Inserter
	logger *slog.Logger
}

func NewRecorder(store Inserter, logger *slog.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("deploy log store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}, nil
}

// Record reports whether the row was written; errors are logged, not returned.
func (r *Recorder) Record(ctx context.Context, host string, ts time.Time, logRef string) bool {
	err := r.store.Insert(ctx, Record{Host: host, Timestamp: ts, LogReference: logRef})
	if err != nil {
		r.logger.Error("record deployment", "host", host, "log_reference", logRef, "error", err)
		return false
	}
	return true
}
