package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node backend. The pool is capped at one
// connection, so transactions are serialized by database/sql itself.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at dsn and ensures the ledger
// tables exist. Pass ":memory:" for an in-memory database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: set wal mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: enable foreign keys: %w", err)
	}
	if err := createSQLiteTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// WithClock overrides the timestamp source.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createSQLiteTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_documents (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_documents_kind_status ON ledger_documents(kind, status)`,
		`CREATE TABLE IF NOT EXISTS ledger_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			version INTEGER NOT NULL,
			at INTEGER NOT NULL,
			FOREIGN KEY (document_id) REFERENCES ledger_documents(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transitions_document ON ledger_transitions(document_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: create sqlite tables: %w", err)
		}
	}
	return nil
}

const sqliteSelectSQL = `SELECT id, kind, status, body, version, created_at, updated_at FROM ledger_documents WHERE id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDocument(row rowScanner) (Document, error) {
	var (
		doc              Document
		kind, body       string
		created, updated int64
	)
	if err := row.Scan(&doc.ID, &kind, &doc.Status, &body, &doc.Version, &created, &updated); err != nil {
		return Document{}, err
	}
	doc.Kind = Kind(kind)
	doc.Body = []byte(body)
	doc.CreatedAt = time.Unix(0, created).UTC()
	doc.UpdatedAt = time.Unix(0, updated).UTC()
	return doc, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Document, error) {
	doc, err := scanSQLiteDocument(s.db.QueryRowContext(ctx, sqliteSelectSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("ledger: get document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) Create(ctx context.Context, doc Document) error {
	if err := validateNew(doc); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, sqliteInsertSQL, sqliteInsertArgs(stampNew(doc, s.now().UTC()))...)
	return translateSQLiteInsert(err)
}

const sqliteInsertSQL = `INSERT INTO ledger_documents (id, kind, status, body, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

func sqliteInsertArgs(doc Document) []any {
	return []any{doc.ID, string(doc.Kind), doc.Status, string(doc.Body), doc.Version, doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano()}
}

func translateSQLiteInsert(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrExists
	}
	return fmt.Errorf("ledger: insert document: %w", err)
}

func (s *SQLiteStore) Transact(ctx context.Context, id string, fn func(txn *Txn) error) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("ledger: begin transact: %w", err)
	}
	defer tx.Rollback()

	before, err := scanSQLiteDocument(tx.QueryRowContext(ctx, sqliteSelectSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("ledger: load document: %w", err)
	}

	txn := &Txn{Doc: cloneDocument(before)}
	if err := fn(txn); err != nil {
		return Document{}, err
	}
	if !dirty(before, txn) {
		return before, nil
	}

	now := s.now().UTC()
	next := prepareWrite(before, txn, now)

	for _, child := range txn.created {
		if err := validateNew(child); err != nil {
			return Document{}, err
		}
		_, err := tx.ExecContext(ctx, sqliteInsertSQL, sqliteInsertArgs(stampNew(child, now))...)
		if err := translateSQLiteInsert(err); err != nil {
			return Document{}, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE ledger_documents SET status = ?, body = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		next.Status, string(next.Body), next.Version, next.UpdatedAt.UnixNano(), next.ID, before.Version)
	if err != nil {
		return Document{}, fmt.Errorf("ledger: update document: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return Document{}, ErrConflict
	}

	if before.Status != next.Status {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_transitions (document_id, kind, from_status, to_status, version, at) VALUES (?, ?, ?, ?, ?, ?)`,
			next.ID, string(next.Kind), before.Status, next.Status, next.Version, now.UnixNano()); err != nil {
			return Document{}, fmt.Errorf("ledger: insert transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("ledger: commit transact: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) ListIDs(ctx context.Context, kind Kind, status string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM ledger_documents WHERE kind = ? AND status = ? ORDER BY id`, string(kind), status)
	if err != nil {
		return nil, fmt.Errorf("ledger: list documents: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Transitions returns the recorded status changes for one document in order.
func (s *SQLiteStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, kind, from_status, to_status, version, at FROM ledger_transitions WHERE document_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr   Transition
			kind string
			at   int64
		)
		if err := rows.Scan(&tr.DocumentID, &kind, &tr.FromStatus, &tr.ToStatus, &tr.Version, &at); err != nil {
			return nil, fmt.Errorf("ledger: scan transition: %w", err)
		}
		tr.Kind = Kind(kind)
		tr.At = time.Unix(0, at).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}
