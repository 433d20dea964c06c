package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"settleflow/ledger"
	"settleflow/settlement"
)

// Repository maps settlements onto ledger documents of kind escrow.
type Repository struct {
	store ledger.Store
}

func NewRepository(store ledger.Store) *Repository {
	return &Repository{store: store}
}

// Create persists a new settlement. A second escrow for the same order fails
// with settlement.ErrAlreadyExists.
func (r *Repository) Create(ctx context.Context, s Settlement) error {
	doc, err := toDocument(s)
	if err != nil {
		return err
	}
	if err := r.store.Create(ctx, doc); err != nil {
		if errors.Is(err, ledger.ErrExists) {
			return settlement.ErrAlreadyExists
		}
		return fmt.Errorf("escrow: create: %w", err)
	}
	return nil
}

// Exists reports whether an escrow with id is stored.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.Get(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, settlement.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (r *Repository) Get(ctx context.Context, id string) (Settlement, error) {
	doc, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Settlement{}, settlement.ErrNotFound
		}
		return Settlement{}, fmt.Errorf("escrow: get: %w", err)
	}
	if doc.Kind != ledger.KindEscrow {
		return Settlement{}, settlement.ErrNotFound
	}
	return fromDocument(doc)
}

// Update applies fn to the stored settlement inside one ledger transaction.
// An error from fn aborts the write and is returned as is.
func (r *Repository) Update(ctx context.Context, id string, fn func(s *Settlement) error) (Settlement, error) {
	var out Settlement
	_, err := r.store.Transact(ctx, id, func(txn *ledger.Txn) error {
		if txn.Doc.Kind != ledger.KindEscrow {
			return settlement.ErrNotFound
		}
		s, err := fromDocument(txn.Doc)
		if err != nil {
			return err
		}
		before, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("escrow: encode: %w", err)
		}
		if err := fn(&s); err != nil {
			return err
		}
		after, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("escrow: encode: %w", err)
		}
		if !bytes.Equal(before, after) {
			txn.Doc.Status = string(s.Status)
			txn.Doc.Body = after
		}
		out = s
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Settlement{}, settlement.ErrNotFound
		}
		return Settlement{}, err
	}
	return out, nil
}

func toDocument(s Settlement) (ledger.Document, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return ledger.Document{}, fmt.Errorf("escrow: encode: %w", err)
	}
	return ledger.Document{
		ID:        s.ID,
		Kind:      ledger.KindEscrow,
		Status:    string(s.Status),
		Body:      body,
		CreatedAt: s.CreatedAt,
	}, nil
}

func fromDocument(doc ledger.Document) (Settlement, error) {
	var s Settlement
	if err := json.Unmarshal(doc.Body, &s); err != nil {
		return Settlement{}, fmt.Errorf("escrow: decode %s: %w", doc.ID, err)
	}
	return s, nil
}
