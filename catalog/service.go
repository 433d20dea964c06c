package catalog

import "context"

// ProductReader abstracts repository operations for the service.
type ProductReader interface {
	GetByID(ctx context.Context, id string) (Product, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]Product, error)
}

// Service exposes business-level catalog lookups.
type Service struct {
	repo ProductReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProductReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the product for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Product, error) {
	return s.repo.GetByID(ctx, id)
}

// ListBySeller returns up to limit active products of one seller.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]Product, error) {
	return s.repo.ListBySeller(ctx, sellerID, limit)
}

// Tradable returns the product only when it is still listed. Withdrawn
// listings read as not found.
func (s *Service) Tradable(ctx context.Context, id string) (Product, error) {
	product, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if !product.Active {
		return Product{}, ErrNotFound
	}
	return product, nil
}
