package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/models"
)

const ledgerSchemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_meta (
	task_key    TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	deck        TEXT NOT NULL DEFAULT '',
	task        TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ledger_records (
	task_key     TEXT NOT NULL,
	note_id      INTEGER NOT NULL,
	ref          TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	raw_response TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (task_key, note_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_records_status ON ledger_records(task_key, status);
`

// SQLite implements Provider on a SQLite database. Several tasks can share
// one database; rows are scoped by task key.
type SQLite struct {
	conn *sql.DB
	path string
	key  string
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path, key string) (*SQLite, error) {
	if path == "" {
		return nil, apperr.Configf("storage: progress path is required")
	}
	if key == "" {
		return nil, apperr.Configf("storage: task key is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	conn, err := sql.Open("sqlite3", abs+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, &apperr.ProgressLoadError{Path: abs, Err: err}
	}
	if _, err := conn.Exec(ledgerSchemaSQL); err != nil {
		conn.Close()
		return nil, &apperr.ProgressLoadError{Path: abs, Err: fmt.Errorf("apply schema: %w", err)}
	}
	return &SQLite{conn: conn, path: abs, key: key}, nil
}

// Path returns the absolute database path.
func (s *SQLite) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLite) Close() error { return s.conn.Close() }

// Load reads the ledger stored under the provider's task key.
func (s *SQLite) Load(ctx context.Context) (*models.Ledger, error) {
	l := &models.Ledger{Records: make(map[int64]models.Record)}
	err := s.conn.QueryRowContext(ctx, `
		SELECT version, deck, task, fingerprint, updated_at
		FROM ledger_meta WHERE task_key = ?
	`, s.key).Scan(&l.Version, &l.Deck, &l.Task, &l.Fingerprint, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &apperr.ProgressLoadError{Path: s.path, Err: err}
	}
	if l.Version > models.LedgerVersion {
		return nil, &apperr.ProgressLoadError{Path: s.path, Err: fmt.Errorf("unsupported ledger version %d", l.Version)}
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT note_id, ref, status, error_kind, error, detail, raw_response, attempts, updated_at
		FROM ledger_records WHERE task_key = ?
	`, s.key)
	if err != nil {
		return nil, &apperr.ProgressLoadError{Path: s.path, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.Record
		if err := rows.Scan(&rec.NoteID, &rec.Ref, &rec.Status, &rec.ErrorKind, &rec.Error,
			&rec.Detail, &rec.RawResponse, &rec.Attempts, &rec.UpdatedAt); err != nil {
			return nil, &apperr.ProgressLoadError{Path: s.path, Err: err}
		}
		if !rec.Status.Valid() {
			return nil, &apperr.ProgressLoadError{Path: s.path, Err: fmt.Errorf("note %d: unknown status %q", rec.NoteID, rec.Status)}
		}
		l.Records[rec.NoteID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, &apperr.ProgressLoadError{Path: s.path, Err: err}
	}
	return l, nil
}

// Put upserts the ledger header and recs within a transaction.
func (s *SQLite) Put(ctx context.Context, l *models.Ledger, recs ...models.Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	updated := l.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_meta (task_key, version, deck, task, fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_key) DO UPDATE SET
			version     = excluded.version,
			deck        = excluded.deck,
			task        = excluded.task,
			fingerprint = excluded.fingerprint,
			updated_at  = excluded.updated_at
	`, s.key, l.Version, l.Deck, l.Task, l.Fingerprint, updated)
	if err != nil {
		return fmt.Errorf("storage: upsert ledger meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledger_records (task_key, note_id, ref, status, error_kind, error, detail, raw_response, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_key, note_id) DO UPDATE SET
			ref          = excluded.ref,
			status       = excluded.status,
			error_kind   = excluded.error_kind,
			error        = excluded.error,
			detail       = excluded.detail,
			raw_response = excluded.raw_response,
			attempts     = excluded.attempts,
			updated_at   = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare record upsert: %w", err)
	}
	defer stmt.Close()
	for _, rec := range recs {
		_, err := stmt.ExecContext(ctx, s.key, rec.NoteID, rec.Ref, string(rec.Status), rec.ErrorKind, rec.Error,
			rec.Detail, rec.RawResponse, rec.Attempts, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("storage: upsert record %d: %w", rec.NoteID, err)
		}
	}

	return tx.Commit()
}
