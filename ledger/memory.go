package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps documents in process. Each document has its own lock so
// unrelated records never contend.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]*memoryEntry
	transitions []Transition
	now         func() time.Time
}

type memoryEntry struct {
	mu  sync.Mutex
	doc Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

// WithClock overrides the timestamp source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	entry, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return Document{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneDocument(entry.doc), nil
}

func (s *MemoryStore) Create(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateNew(doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(doc)
}

func (s *MemoryStore) insertLocked(doc Document) error {
	if _, ok := s.docs[doc.ID]; ok {
		return ErrExists
	}
	s.docs[doc.ID] = &memoryEntry{doc: cloneDocument(stampNew(doc, s.now()))}
	return nil
}

func (s *MemoryStore) Transact(ctx context.Context, id string, fn func(txn *Txn) error) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	entry, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return Document{}, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	before := cloneDocument(entry.doc)
	txn := &Txn{Doc: cloneDocument(entry.doc)}
	if err := fn(txn); err != nil {
		return Document{}, err
	}
	if !dirty(before, txn) {
		return before, nil
	}

	now := s.now()
	next := prepareWrite(before, txn, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range txn.created {
		if err := validateNew(doc); err != nil {
			return Document{}, err
		}
		if _, taken := s.docs[doc.ID]; taken {
			return Document{}, ErrExists
		}
	}
	for _, doc := range txn.created {
		if err := s.insertLocked(doc); err != nil {
			return Document{}, err
		}
	}
	entry.doc = cloneDocument(next)
	if before.Status != next.Status {
		s.transitions = append(s.transitions, Transition{
			DocumentID: id,
			Kind:       next.Kind,
			FromStatus: before.Status,
			ToStatus:   next.Status,
			Version:    next.Version,
			At:         now,
		})
	}
	return cloneDocument(next), nil
}

func (s *MemoryStore) ListIDs(ctx context.Context, kind Kind, status string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entries := make([]*memoryEntry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	ids := make([]string, 0, 8)
	for _, e := range entries {
		e.mu.Lock()
		if e.doc.Kind == kind && e.doc.Status == status {
			ids = append(ids, e.doc.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, nil
}

// Transitions returns the recorded status changes for one document in order.
func (s *MemoryStore) Transitions(id string) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, 0, 4)
	for _, tr := range s.transitions {
		if tr.DocumentID == id {
			out = append(out, tr)
		}
	}
	return out
}

func cloneDocument(doc Document) Document {
	out := doc
	out.Body = append([]byte(nil), doc.Body...)
	return out
}
