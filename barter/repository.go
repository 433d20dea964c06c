package barter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"settleflow/ledger"
	"settleflow/settlement"
)

// Repository maps proposals onto ledger documents of kind barter.
type Repository struct {
	store ledger.Store
}

func NewRepository(store ledger.Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) Create(ctx context.Context, p Proposal) error {
	doc, err := toDocument(p)
	if err != nil {
		return err
	}
	if err := r.store.Create(ctx, doc); err != nil {
		if errors.Is(err, ledger.ErrExists) {
			return settlement.ErrAlreadyExists
		}
		return fmt.Errorf("barter: create: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Proposal, error) {
	doc, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Proposal{}, settlement.ErrNotFound
		}
		return Proposal{}, fmt.Errorf("barter: get: %w", err)
	}
	if doc.Kind != ledger.KindBarter {
		return Proposal{}, settlement.ErrNotFound
	}
	return fromDocument(doc)
}

// Update applies fn to the stored proposal inside one ledger transaction. A
// non-nil proposal returned by fn is created in the same transaction.
func (r *Repository) Update(ctx context.Context, id string, fn func(p *Proposal) (*Proposal, error)) (Proposal, error) {
	var out Proposal
	_, err := r.store.Transact(ctx, id, func(txn *ledger.Txn) error {
		if txn.Doc.Kind != ledger.KindBarter {
			return settlement.ErrNotFound
		}
		p, err := fromDocument(txn.Doc)
		if err != nil {
			return err
		}
		before, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("barter: encode: %w", err)
		}

		spawned, err := fn(&p)
		if err != nil {
			return err
		}

		after, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("barter: encode: %w", err)
		}
		if !bytes.Equal(before, after) {
			txn.Doc.Status = string(p.Status)
			txn.Doc.Body = after
		}
		if spawned != nil {
			child, err := toDocument(*spawned)
			if err != nil {
				return err
			}
			txn.Create(child)
		}
		out = p
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Proposal{}, settlement.ErrNotFound
		}
		if errors.Is(err, ledger.ErrExists) {
			return Proposal{}, settlement.ErrAlreadyExists
		}
		return Proposal{}, err
	}
	return out, nil
}

// PendingIDs lists proposals whose stored status is pending.
func (r *Repository) PendingIDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.ListIDs(ctx, ledger.KindBarter, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("barter: list pending: %w", err)
	}
	return ids, nil
}

func toDocument(p Proposal) (ledger.Document, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return ledger.Document{}, fmt.Errorf("barter: encode: %w", err)
	}
	return ledger.Document{
		ID:        p.ID,
		Kind:      ledger.KindBarter,
		Status:    string(p.Status),
		Body:      body,
		CreatedAt: p.CreatedAt,
	}, nil
}

func fromDocument(doc ledger.Document) (Proposal, error) {
	var p Proposal
	if err := json.Unmarshal(doc.Body, &p); err != nil {
		return Proposal{}, fmt.Errorf("barter: decode %s: %w", doc.ID, err)
	}
	return p, nil
}
