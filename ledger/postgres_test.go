package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresStore_TransactCallbackErrorRollsBack(t *testing.T) {
	pool := &fakePool{row: lockedRow("escrowed")}
	store := NewPostgresStore(pool)

	boom := errors.New("boom")
	_, err := store.Transact(context.Background(), "e-1", func(txn *Txn) error {
		txn.Doc.Status = "released"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
	if len(pool.tx.execs) != 0 {
		t.Errorf("expected no writes, got %v", pool.tx.execs)
	}
}

func TestPostgresStore_TransactWritesTransition(t *testing.T) {
	pool := &fakePool{row: lockedRow("escrowed")}
	store := NewPostgresStore(pool).WithClock(func() time.Time {
		return time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	})

	got, err := store.Transact(context.Background(), "e-1", func(txn *Txn) error {
		txn.Doc.Status = "disputed"
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if got.Version != 4 {
		t.Fatalf("expected version 4, got %d", got.Version)
	}
	if !pool.tx.committed {
		t.Fatalf("expected commit")
	}
	if len(pool.tx.execs) != 2 {
		t.Fatalf("expected update and transition insert, got %d statements", len(pool.tx.execs))
	}
	if !strings.Contains(pool.tx.execs[0], "UPDATE ledger_documents") {
		t.Errorf("expected document update first, got %q", pool.tx.execs[0])
	}
	if !strings.Contains(pool.tx.execs[1], "INSERT INTO ledger_transitions") {
		t.Errorf("expected transition insert second, got %q", pool.tx.execs[1])
	}
}

func TestPostgresStore_TransactDetectsLostRace(t *testing.T) {
	pool := &fakePool{row: lockedRow("escrowed"), rowsAffected: 0, rowsAffectedSet: true}
	store := NewPostgresStore(pool)

	_, err := store.Transact(context.Background(), "e-1", func(txn *Txn) error {
		txn.Doc.Status = "released"
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
}

func TestPostgresStore_TransactMissingDocument(t *testing.T) {
	pool := &fakePool{row: fakeRow{err: pgx.ErrNoRows}}
	store := NewPostgresStore(pool)

	_, err := store.Transact(context.Background(), "nope", func(*Txn) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func lockedRow(status string) fakeRow {
	created := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	return fakeRow{values: []any{"e-1", "escrow", status, []byte(`{"n":0}`), int64(3), created, created}}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *int64:
			*p = r.values[i].(int64)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("fakeRow: unsupported scan target")
		}
	}
	return nil
}

type fakePool struct {
	row             fakeRow
	rowsAffected    int64
	rowsAffectedSet bool
	tx              *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	affected := int64(1)
	if f.rowsAffectedSet {
		affected = f.rowsAffected
	}
	f.tx = &fakeTx{row: f.row, rowsAffected: affected}
	return f.tx, nil
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakePool: query not supported")
}

type fakeTx struct {
	row          fakeRow
	rowsAffected int64
	execs        []string
	rolled       bool
	committed    bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	if strings.Contains(sql, "UPDATE") {
		if f.rowsAffected == 1 {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
