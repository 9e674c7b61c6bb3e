package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/proxyvisor/internal/events"
	"github.com/loykin/proxyvisor/internal/history"
)

// Sink writes engine events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection so :memory: databases survive across calls
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + history.DefaultTable + `(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		kind TEXT NOT NULL,
		running BOOLEAN NOT NULL,
		pid INTEGER NOT NULL,
		path TEXT,
		source TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	r := history.RowFrom(e)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+history.DefaultTable+`(timestamp, kind, running, pid, path, source)
		VALUES(?, ?, ?, ?, ?, ?);`,
		r.Timestamp, r.Kind, r.Running, r.PID, nullIfEmpty(r.Path), nullIfEmpty(r.Source))
	return err
}

// Count returns the number of stored events of kind; an empty kind counts all.
func (s *Sink) Count(ctx context.Context, kind string) (int, error) {
	q := `SELECT COUNT(*) FROM ` + history.DefaultTable
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
