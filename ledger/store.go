// Package ledger is the durable keyed-document store behind escrow and barter
// records. Every backend offers an atomic read-check-write on one document via
// Transact; new documents staged inside the same Transact commit with it.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no document exists for an id.
	ErrNotFound = errors.New("ledger: document not found")
	// ErrExists is returned when creating a document whose id is taken.
	ErrExists = errors.New("ledger: document already exists")
	// ErrConflict is returned when an optimistic write keeps losing to concurrent writers.
	ErrConflict = errors.New("ledger: write conflict")
)

// Kind separates the record families sharing one store.
type Kind string

const (
	KindEscrow Kind = "escrow"
	KindBarter Kind = "barter"
)

// Document is one stored record. Status is duplicated out of Body so stores
// can index it without decoding.
type Document struct {
	ID        string
	Kind      Kind
	Status    string
	Body      json.RawMessage
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Txn is handed to Transact callbacks. Mutate Doc in place; stage extra
// documents with Create.
type Txn struct {
	Doc     Document
	created []Document
}

// Create stages a new document that commits together with the mutation of Doc.
func (t *Txn) Create(doc Document) {
	t.created = append(t.created, doc)
}

// Created returns the documents staged so far.
func (t *Txn) Created() []Document {
	return t.created
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, id string) (Document, error)
	Create(ctx context.Context, doc Document) error
	// Transact runs fn against the current document while holding it
	// exclusively. Returning an error from fn aborts without writing.
	Transact(ctx context.Context, id string, fn func(txn *Txn) error) (Document, error)
	ListIDs(ctx context.Context, kind Kind, status string) ([]string, error)
}

// Transition is one status change as recorded by stores that keep a timeline.
type Transition struct {
	DocumentID string
	Kind       Kind
	FromStatus string
	ToStatus   string
	Version    int64
	At         time.Time
}

func dirty(before Document, txn *Txn) bool {
	if len(txn.created) > 0 {
		return true
	}
	return before.Status != txn.Doc.Status || !bytes.Equal(before.Body, txn.Doc.Body)
}

// prepareWrite pins identity fields the callback must not change and stamps
// the new version.
func prepareWrite(before Document, txn *Txn, now time.Time) Document {
	next := txn.Doc
	next.ID = before.ID
	next.Kind = before.Kind
	next.CreatedAt = before.CreatedAt
	next.Version = before.Version + 1
	next.UpdatedAt = now
	return next
}

func stampNew(doc Document, now time.Time) Document {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = doc.CreatedAt
	doc.Version = 1
	return doc
}

func validateNew(doc Document) error {
	if doc.ID == "" {
		return errors.New("ledger: document id required")
	}
	if doc.Kind == "" {
		return errors.New("ledger: document kind required")
	}
	if len(doc.Body) == 0 {
		return errors.New("ledger: document body required")
	}
	return nil
}
