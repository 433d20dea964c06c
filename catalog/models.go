package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product captures the listing fields settlement needs: who sells it and
// whether it is still on offer.
type Product struct {
	ID        string
	SellerID  string
	Title     string
	Price     decimal.Decimal
	Currency  string
	Active    bool
	CreatedAt time.Time
}
