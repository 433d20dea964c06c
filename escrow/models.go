// Package escrow holds the escrow settlement record, the dual-confirmation
// rules applied to it, and its storage mapping onto the ledger.
package escrow

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settleflow/settlement"
)

type Status string

const (
	StatusEscrowed Status = "escrowed"
	StatusDisputed Status = "disputed"
	StatusReleased Status = "released"
)

// Party names the side of the exchange a user acts as.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

var (
	feeRate = decimal.RequireFromString("0.025")
	feeFlat = decimal.RequireFromString("0.30")

	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

	// orderNamespace seeds the deterministic escrow id for an order.
	orderNamespace = uuid.MustParse("6f1c2a0e-7d4b-5c1e-9a3f-2b8d4e6c0a17")
)

// Settlement mirrors the escrow document stored in the ledger.
type Settlement struct {
	ID       string `json:"id"`
	OrderID  string `json:"orderId"`
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`

	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	TotalCharged decimal.Decimal `json:"totalCharged"`
	Currency     string          `json:"currency"`

	Status                  Status     `json:"status"`
	BuyerConfirmedDelivery  bool       `json:"buyerConfirmedDelivery"`
	SellerConfirmedDelivery bool       `json:"sellerConfirmedDelivery"`
	BuyerConfirmedAt        *time.Time `json:"buyerConfirmedAt,omitempty"`
	SellerConfirmedAt       *time.Time `json:"sellerConfirmedAt,omitempty"`

	DisputeReason      string     `json:"disputeReason,omitempty"`
	DisputeDescription string     `json:"disputeDescription,omitempty"`
	DisputeRaisedBy    string     `json:"disputeRaisedBy,omitempty"`
	DisputedAt         *time.Time `json:"disputedAt,omitempty"`
	ReleasedAt         *time.Time `json:"releasedAt,omitempty"`

	PaymentReference string    `json:"paymentReference,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// NewParams carries the caller-supplied fields of a new escrow.
type NewParams struct {
	OrderID  string
	BuyerID  string
	SellerID string
	Amount   decimal.Decimal
	Currency string
}

// IDForOrder derives the escrow id for an order so that an order can only
// ever be escrowed once.
func IDForOrder(orderID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(orderID)).String()
}

// ComputeFee returns 2.5% of amount plus 0.30, rounded half-up to cents.
func ComputeFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(feeRate).Add(feeFlat).Round(2)
}

// Validate checks params without building a record. Orchestrators call it
// before capturing funds.
func (p NewParams) Validate() error {
	if err := settlement.RequireID("orderId", p.OrderID); err != nil {
		return err
	}
	if err := settlement.RequireID("buyerId", p.BuyerID); err != nil {
		return err
	}
	if err := settlement.RequireID("sellerId", p.SellerID); err != nil {
		return err
	}
	if p.BuyerID == p.SellerID {
		return settlement.Invalid("sellerId", "buyer and seller must differ")
	}
	if !p.Amount.IsPositive() {
		return settlement.Invalid("amount", "must be greater than zero")
	}
	if !p.Amount.Equal(p.Amount.Round(2)) {
		return settlement.Invalid("amount", "must have at most two decimal places")
	}
	if !currencyPattern.MatchString(strings.ToUpper(strings.TrimSpace(p.Currency))) {
		return settlement.Invalid("currency", "must be a three-letter code")
	}
	return nil
}

// New builds an escrowed settlement. Fee and total are fixed here and never
// recomputed.
func New(p NewParams, paymentReference string, now time.Time) (Settlement, error) {
	if err := p.Validate(); err != nil {
		return Settlement{}, err
	}
	fee := ComputeFee(p.Amount)
	return Settlement{
		ID:               IDForOrder(p.OrderID),
		OrderID:          p.OrderID,
		BuyerID:          p.BuyerID,
		SellerID:         p.SellerID,
		Amount:           p.Amount,
		Fee:              fee,
		TotalCharged:     p.Amount.Add(fee),
		Currency:         strings.ToUpper(strings.TrimSpace(p.Currency)),
		Status:           StatusEscrowed,
		PaymentReference: paymentReference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// PartyOf resolves which side userID is on.
func (s Settlement) PartyOf(userID string) (Party, bool) {
	switch userID {
	case "":
		return "", false
	case s.BuyerID:
		return PartyBuyer, true
	case s.SellerID:
		return PartySeller, true
	}
	return "", false
}

// UserID returns the user acting as party.
func (s Settlement) UserID(p Party) string {
	if p == PartyBuyer {
		return s.BuyerID
	}
	return s.SellerID
}

// Other returns the opposite party.
func (p Party) Other() Party {
	if p == PartyBuyer {
		return PartySeller
	}
	return PartyBuyer
}

func (s Settlement) confirmed(p Party) bool {
	if p == PartyBuyer {
		return s.BuyerConfirmedDelivery
	}
	return s.SellerConfirmedDelivery
}
