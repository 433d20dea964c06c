// Package orders keeps the denormalized order status in step with
// settlement outcomes.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// StatusCompleted is written when an escrow releases.
const StatusCompleted = "completed"

// ErrNotFound signals no order row matched.
var ErrNotFound = errors.New("orders: not found")

// Execer is the write side of pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// StatusSync updates orders.status.
type StatusSync struct {
	db Execer
}

func NewStatusSync(db Execer) *StatusSync {
	return &StatusSync{db: db}
}

// SetOrderStatus writes status onto the order. Writing the status an order
// already has is not an error.
func (s *StatusSync) SetOrderStatus(ctx context.Context, orderID, status string) error {
	if orderID == "" || status == "" {
		return fmt.Errorf("orders: order id and status are required")
	}
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET status = $2, updated_at = now()
        WHERE id::text = $1
    `, orderID, status)
	if err != nil {
		return fmt.Errorf("orders: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return nil
}
