package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrNotFound signals the requested product does not exist.
var ErrNotFound = errors.New("catalog: product not found")

// Querier is the read side of pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository provides read access to product listings.
type Repository struct {
	pool Querier
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool Querier) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a product by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Product, error) {
	const query = `
		SELECT id::text, seller_id::text, title, price::text, currency, active, created_at
		FROM products
		WHERE id::text = $1
	`

	product, err := scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("catalog: query by id: %w", err)
	}
	return product, nil
}

// ListBySeller fetches up to limit active products of one seller, newest first.
func (r *Repository) ListBySeller(ctx context.Context, sellerID string, limit int) ([]Product, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id::text, seller_id::text, title, price::text, currency, active, created_at
		FROM products
		WHERE seller_id::text = $1 AND active
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, sellerID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list by seller: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0, limit)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan product: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate products: %w", err)
	}

	return products, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		product Product
		price   string
	)
	if err := row.Scan(
		&product.ID,
		&product.SellerID,
		&product.Title,
		&price,
		&product.Currency,
		&product.Active,
		&product.CreatedAt,
	); err != nil {
		return Product{}, err
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return Product{}, fmt.Errorf("catalog: parse price %q: %w", price, err)
	}
	product.Price = amount
	return product, nil
}
