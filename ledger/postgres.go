package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Querier is the read side of pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgPool is satisfied by *pgxpool.Pool.
type PgPool interface {
	TxBeginner
	Querier
}

// PostgresStore keeps documents in ledger_documents and appends every status
// change to ledger_transitions inside the same transaction.
type PostgresStore struct {
	pool PgPool
	now  func() time.Time
}

func NewPostgresStore(pool PgPool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// WithClock overrides the timestamp source.
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

const selectDocumentSQL = `
SELECT id, kind, status, body, version, created_at, updated_at
FROM ledger_documents
WHERE id = $1`

func (s *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, selectDocumentSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("ledger: get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Create(ctx context.Context, doc Document) error {
	if err := validateNew(doc); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertDocument(ctx, tx, stampNew(doc, s.now().UTC())); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transact(ctx context.Context, id string, fn func(txn *Txn) error) (Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("ledger: begin transact: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := scanDocument(tx.QueryRow(ctx, selectDocumentSQL+` FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("ledger: lock document: %w", err)
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
		if err := insertDocument(ctx, tx, stampNew(child, now)); err != nil {
			return Document{}, err
		}
	}

	tag, err := tx.Exec(ctx, `
        UPDATE ledger_documents
        SET status = $2, body = $3::jsonb, version = $4, updated_at = $5
        WHERE id = $1 AND version = $6
    `, next.ID, next.Status, string(next.Body), next.Version, next.UpdatedAt, before.Version)
	if err != nil {
		return Document{}, fmt.Errorf("ledger: update document: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return Document{}, ErrConflict
	}

	if before.Status != next.Status {
		if _, err := tx.Exec(ctx, `
            INSERT INTO ledger_transitions (document_id, kind, from_status, to_status, version, at)
            VALUES ($1, $2, $3, $4, $5, $6)
        `, next.ID, string(next.Kind), before.Status, next.Status, next.Version, now); err != nil {
			return Document{}, fmt.Errorf("ledger: insert transition: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, fmt.Errorf("ledger: commit transact: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) ListIDs(ctx context.Context, kind Kind, status string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id FROM ledger_documents
        WHERE kind = $1 AND status = $2
        ORDER BY id
    `, string(kind), status)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate documents: %w", err)
	}
	return ids, nil
}

func insertDocument(ctx context.Context, tx pgx.Tx, doc Document) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO ledger_documents (id, kind, status, body, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
    `, doc.ID, string(doc.Kind), doc.Status, string(doc.Body), doc.Version, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("ledger: insert document: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc  Document
		kind string
		body []byte
	)
	if err := row.Scan(&doc.ID, &kind, &doc.Status, &body, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	doc.Kind = Kind(kind)
	doc.Body = append([]byte(nil), body...)
	return doc, nil
}
