package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Sink backed by an embedded SQLite database (CGO-free
// driver). The path is a filesystem location; ":memory:" works for
// tests.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the event database at path.
func OpenSQLite(path string) (*SQLite, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s := &SQLite{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			pid INTEGER NOT NULL,
			event TEXT NOT NULL,
			exit_status INTEGER NOT NULL,
			detail TEXT NOT NULL,
			runlevel INTEGER NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_events_service ON service_events(service);`,
		`CREATE INDEX IF NOT EXISTS idx_service_events_event ON service_events(event);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Send(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_events(service, pid, event, exit_status, detail, runlevel, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.Service, e.PID, string(e.Type), e.ExitStatus, e.Detail, e.Runlevel, e.OccurredAt.UTC())
	return err
}

// CountByService returns the number of recorded events for a service,
// optionally filtered by type (empty = all).
func (s *SQLite) CountByService(ctx context.Context, service string, typ EventType) (int, error) {
	var n int
	var err error
	if typ == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM service_events WHERE service = ?;`, service).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM service_events WHERE service = ? AND event = ?;`, service, string(typ)).Scan(&n)
	}
	return n, err
}

func (s *SQLite) Close() error { return s.db.Close() }
