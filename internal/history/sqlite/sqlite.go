package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/warden-sh/warden/internal/history"
)

// Sink appends lifecycle entries to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New opens (or creates) the database behind dsn.
// Accepted forms: "sqlite:///path/to/file.db", "sqlite://:memory:",
// a bare path, or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS worker_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		kind TEXT NOT NULL,
		pid INTEGER NOT NULL,
		message TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_history(occurred_at, kind, pid, message)
		VALUES(?, ?, ?, ?);`,
		e.OccurredAt, e.Kind, e.PID, e.Message)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
