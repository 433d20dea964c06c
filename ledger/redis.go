package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMaxAttempts = 64

// RedisStore keeps each document in a hash and maintains one set per
// kind/status pair for ListIDs. Transact uses WATCH so a concurrent writer
// forces a retry instead of a lost update.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ledger", now: time.Now}
}

// WithPrefix namespaces every key; tests use it to isolate runs.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// WithClock overrides the timestamp source.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) docKey(id string) string {
	return s.prefix + ":doc:" + id
}

func (s *RedisStore) indexKey(kind Kind, status string) string {
	return s.prefix + ":idx:" + string(kind) + ":" + status
}

func (s *RedisStore) transitionsKey(id string) string {
	return s.prefix + ":tr:" + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (Document, error) {
	data, err := s.client.HGetAll(ctx, s.docKey(id)).Result()
	if err != nil {
		return Document{}, fmt.Errorf("ledger: get document: %w", err)
	}
	if len(data) == 0 {
		return Document{}, ErrNotFound
	}
	return decodeHash(id, data)
}

func (s *RedisStore) Create(ctx context.Context, doc Document) error {
	if err := validateNew(doc); err != nil {
		return err
	}
	doc = stampNew(doc, s.now().UTC())
	key := s.docKey(doc.ID)

	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrExists
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				s.queueInsert(ctx, p, doc)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrExists) {
			return fmt.Errorf("ledger: create document: %w", err)
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) Transact(ctx context.Context, id string, fn func(txn *Txn) error) (Document, error) {
	key := s.docKey(id)

	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		var result Document
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return ErrNotFound
			}
			before, err := decodeHash(id, data)
			if err != nil {
				return err
			}

			txn := &Txn{Doc: cloneDocument(before)}
			if err := fn(txn); err != nil {
				return err
			}
			if !dirty(before, txn) {
				result = before
				return nil
			}

			now := s.now().UTC()
			next := prepareWrite(before, txn, now)

			children := make([]Document, 0, len(txn.created))
			for _, child := range txn.created {
				if err := validateNew(child); err != nil {
					return err
				}
				childKey := s.docKey(child.ID)
				if err := tx.Watch(ctx, childKey).Err(); err != nil {
					return err
				}
				n, err := tx.Exists(ctx, childKey).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return ErrExists
				}
				children = append(children, stampNew(child, now))
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, child := range children {
					s.queueInsert(ctx, p, child)
				}
				p.HSet(ctx, key,
					"status", next.Status,
					"body", string(next.Body),
					"version", next.Version,
					"updated_at", next.UpdatedAt.UnixNano(),
				)
				if before.Status != next.Status {
					p.SRem(ctx, s.indexKey(before.Kind, before.Status), id)
					p.SAdd(ctx, s.indexKey(next.Kind, next.Status), id)
					p.RPush(ctx, s.transitionsKey(id), before.Status+">"+next.Status)
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			// fn's own errors pass through unwrapped.
			return Document{}, err
		}
		return result, nil
	}
	return Document{}, ErrConflict
}

func (s *RedisStore) ListIDs(ctx context.Context, kind Kind, status string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(kind, status)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: list documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// TransitionLog returns the "from>to" entries recorded for one document.
func (s *RedisStore) TransitionLog(ctx context.Context, id string) ([]string, error) {
	return s.client.LRange(ctx, s.transitionsKey(id), 0, -1).Result()
}

func (s *RedisStore) queueInsert(ctx context.Context, p redis.Pipeliner, doc Document) {
	p.HSet(ctx, s.docKey(doc.ID),
		"kind", string(doc.Kind),
		"status", doc.Status,
		"body", string(doc.Body),
		"version", doc.Version,
		"created_at", doc.CreatedAt.UnixNano(),
		"updated_at", doc.UpdatedAt.UnixNano(),
	)
	p.SAdd(ctx, s.indexKey(doc.Kind, doc.Status), doc.ID)
}

func decodeHash(id string, data map[string]string) (Document, error) {
	doc := Document{
		ID:     id,
		Kind:   Kind(data["kind"]),
		Status: data["status"],
		Body:   []byte(data["body"]),
	}
	version, err := strconv.ParseInt(data["version"], 10, 64)
	if err != nil {
		return Document{}, fmt.Errorf("ledger: decode version: %w", err)
	}
	doc.Version = version
	if raw, ok := data["created_at"]; ok {
		if n, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			doc.CreatedAt = time.Unix(0, n).UTC()
		}
	}
	if raw, ok := data["updated_at"]; ok {
		if n, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			doc.UpdatedAt = time.Unix(0, n).UTC()
		}
	}
	return doc, nil
}
