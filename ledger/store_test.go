package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type counterBody struct {
	N int `json:"n"`
}

func mustBody(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return b
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create then get", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		id := uniqueID("doc")
		if err := store.Create(ctx, Document{ID: id, Kind: KindEscrow, Status: "escrowed", Body: mustBody(t, counterBody{})}); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Version != 1 || got.Status != "escrowed" || got.Kind != KindEscrow {
			t.Fatalf("unexpected document %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Errorf("expected created_at to be stamped")
		}
	})

	t.Run("duplicate create", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		id := uniqueID("dup")
		doc := Document{ID: id, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})}
		if err := store.Create(ctx, doc); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.Create(ctx, doc); !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
	})

	t.Run("missing document", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		if _, err := store.Get(ctx, uniqueID("missing")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound from Get, got %v", err)
		}
		_, err := store.Transact(ctx, uniqueID("missing"), func(*Txn) error { return nil })
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound from Transact, got %v", err)
		}
	})

	t.Run("callback error aborts", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		id := uniqueID("abort")
		if err := store.Create(ctx, Document{ID: id, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})}); err != nil {
			t.Fatalf("create: %v", err)
		}
		childID := uniqueID("child")
		boom := errors.New("boom")
		_, err := store.Transact(ctx, id, func(txn *Txn) error {
			txn.Doc.Status = "countered"
			txn.Doc.Body = mustBody(t, counterBody{N: 9})
			txn.Create(Document{ID: childID, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})})
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != "pending" || got.Version != 1 {
			t.Fatalf("expected untouched document, got status=%s version=%d", got.Status, got.Version)
		}
		if _, err := store.Get(ctx, childID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected staged child to be discarded, got %v", err)
		}
	})

	t.Run("unchanged document is not rewritten", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		id := uniqueID("noop")
		if err := store.Create(ctx, Document{ID: id, Kind: KindEscrow, Status: "escrowed", Body: mustBody(t, counterBody{})}); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := store.Transact(ctx, id, func(*Txn) error { return nil })
		if err != nil {
			t.Fatalf("transact: %v", err)
		}
		if got.Version != 1 {
			t.Fatalf("expected version to stay 1, got %d", got.Version)
		}
	})

	t.Run("staged child commits with parent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		id := uniqueID("parent")
		childID := uniqueID("child")
		if err := store.Create(ctx, Document{ID: id, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})}); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := store.Transact(ctx, id, func(txn *Txn) error {
			txn.Doc.Status = "countered"
			txn.Create(Document{ID: childID, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{N: 1})})
			return nil
		})
		if err != nil {
			t.Fatalf("transact: %v", err)
		}
		if got.Status != "countered" || got.Version != 2 {
			t.Fatalf("unexpected parent %+v", got)
		}
		child, err := store.Get(ctx, childID)
		if err != nil {
			t.Fatalf("get child: %v", err)
		}
		if child.Status != "pending" || child.Version != 1 {
			t.Fatalf("unexpected child %+v", child)
		}

		countered, err := store.ListIDs(ctx, KindBarter, "countered")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if !contains(countered, id) || contains(countered, childID) {
			t.Fatalf("unexpected countered ids %v", countered)
		}
		pending, err := store.ListIDs(ctx, KindBarter, "pending")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if contains(pending, id) || !contains(pending, childID) {
			t.Fatalf("unexpected pending ids %v", pending)
		}
	})

	t.Run("colliding child aborts parent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		id := uniqueID("parent")
		taken := uniqueID("taken")
		for _, doc := range []Document{
			{ID: id, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})},
			{ID: taken, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})},
		} {
			if err := store.Create(ctx, doc); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		_, err := store.Transact(ctx, id, func(txn *Txn) error {
			txn.Doc.Status = "countered"
			txn.Create(Document{ID: taken, Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})})
			return nil
		})
		if !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != "pending" {
			t.Fatalf("expected parent to stay pending, got %s", got.Status)
		}
	})

	t.Run("concurrent transacts do not lose updates", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		id := uniqueID("counter")
		if err := store.Create(ctx, Document{ID: id, Kind: KindEscrow, Status: "escrowed", Body: mustBody(t, counterBody{})}); err != nil {
			t.Fatalf("create: %v", err)
		}

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Transact(ctx, id, func(txn *Txn) error {
					var body counterBody
					if err := json.Unmarshal(txn.Doc.Body, &body); err != nil {
						return err
					}
					body.N++
					b, err := json.Marshal(body)
					if err != nil {
						return err
					}
					txn.Doc.Body = b
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("transact: %v", err)
			}
		}

		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var body counterBody
		if err := json.Unmarshal(got.Body, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.N != workers {
			t.Fatalf("expected %d increments, got %d", workers, body.N)
		}
		if got.Version != workers+1 {
			t.Fatalf("expected version %d, got %d", workers+1, got.Version)
		}
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_RecordsTransitions(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return at })
	if err := store.Create(ctx, Document{ID: "e-1", Kind: KindEscrow, Status: "escrowed", Body: mustBody(t, counterBody{})}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, status := range []string{"escrowed", "disputed"} {
		status := status
		if _, err := store.Transact(ctx, "e-1", func(txn *Txn) error {
			txn.Doc.Status = status
			return nil
		}); err != nil {
			t.Fatalf("transact: %v", err)
		}
	}

	trs := store.Transitions("e-1")
	if len(trs) != 1 {
		t.Fatalf("expected one transition, got %d", len(trs))
	}
	if trs[0].FromStatus != "escrowed" || trs[0].ToStatus != "disputed" || !trs[0].At.Equal(at) {
		t.Fatalf("unexpected transition %+v", trs[0])
	}
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := OpenSQLite(":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestSQLiteStore_RecordsTransitions(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	if err := store.Create(ctx, Document{ID: "b-1", Kind: KindBarter, Status: "pending", Body: mustBody(t, counterBody{})}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Transact(ctx, "b-1", func(txn *Txn) error {
		txn.Doc.Status = "accepted"
		return nil
	}); err != nil {
		t.Fatalf("transact: %v", err)
	}

	trs, err := store.Transitions(ctx, "b-1")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(trs) != 1 || trs[0].FromStatus != "pending" || trs[0].ToStatus != "accepted" || trs[0].Version != 2 {
		t.Fatalf("unexpected transitions %+v", trs)
	}
}

// TestPostgresStore_Contract runs against DATABASE_URL with migrations applied.
func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'ledger_documents')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/0001_settlement.sql")
	}

	runStoreContract(t, func(t *testing.T) Store { return NewPostgresStore(pool) })
}

// TestRedisStore_Contract runs against REDIS_URL under a throwaway key prefix.
func TestRedisStore_Contract(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is empty; set it to a live Redis to run integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	runStoreContract(t, func(t *testing.T) Store {
		return NewRedisStore(client).WithPrefix(uniqueID("ledger-test"))
	})
}

var idSeq struct {
	sync.Mutex
	n int
}

func uniqueID(prefix string) string {
	idSeq.Lock()
	defer idSeq.Unlock()
	idSeq.n++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), idSeq.n)
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
