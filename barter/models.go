// Package barter implements barter proposals: the negotiation lifecycle
// (accept, reject, counter, expire), dual delivery confirmation, and the
// periodic sweep that expires stale proposals.
package barter

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settleflow/settlement"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDeclined  Status = "declined"
	StatusCountered Status = "countered"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusCountered, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

type Action string

const (
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionCounter Action = "counter"
)

// Role names the side of a proposal a user acts as.
type Role string

const (
	RoleProposer  Role = "proposer"
	RoleRecipient Role = "recipient"
)

func (r Role) Other() Role {
	if r == RoleProposer {
		return RoleRecipient
	}
	return RoleProposer
}

const (
	MinExpiryDays = 1
	MaxExpiryDays = 7
)

// Offer is what the proposer gives in exchange for the target product.
type Offer struct {
	ItemName       string          `json:"itemName"`
	Description    string          `json:"description"`
	EstimatedValue decimal.Decimal `json:"estimatedValue"`
	Condition      string          `json:"condition,omitempty"`
	Category       string          `json:"category,omitempty"`
}

// Validate checks the offer, prefixing field names with prefix.
func (o Offer) Validate(prefix string) error {
	if err := settlement.RequireID(prefix+".itemName", o.ItemName); err != nil {
		return err
	}
	if err := settlement.CheckDescription(prefix+".description", o.Description); err != nil {
		return err
	}
	if !o.EstimatedValue.IsPositive() {
		return settlement.Invalid(prefix+".estimatedValue", "must be greater than zero")
	}
	return nil
}

func (o Offer) normalized() Offer {
	o.ItemName = strings.TrimSpace(o.ItemName)
	o.Description = strings.TrimSpace(o.Description)
	o.Condition = strings.TrimSpace(o.Condition)
	o.Category = strings.TrimSpace(o.Category)
	return o
}

// ValidateExpiryDays enforces the 1..7 day window.
func ValidateExpiryDays(days int) error {
	if days < MinExpiryDays || days > MaxExpiryDays {
		return settlement.Invalid("expiryDays", "must be between %d and %d, got %d", MinExpiryDays, MaxExpiryDays, days)
	}
	return nil
}

// Proposal mirrors the barter document stored in the ledger.
type Proposal struct {
	ID              string `json:"id"`
	ProposerID      string `json:"proposerId"`
	RecipientID     string `json:"recipientId"`
	TargetProductID string `json:"targetProductId"`
	Offer           Offer  `json:"offer"`

	Status     Status    `json:"status"`
	ExpiryDays int       `json:"expiryDays"`
	ExpiresAt  time.Time `json:"expiresAt"`

	ProposerConfirmedDelivery  bool       `json:"proposerConfirmedDelivery"`
	RecipientConfirmedDelivery bool       `json:"recipientConfirmedDelivery"`
	ProposerConfirmedAt        *time.Time `json:"proposerConfirmedAt,omitempty"`
	RecipientConfirmedAt       *time.Time `json:"recipientConfirmedAt,omitempty"`

	ParentProposalID  string `json:"parentProposalId,omitempty"`
	CounterProposalID string `json:"counterProposalId,omitempty"`

	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ProposeParams carries a new proposal. ProductSellerID is the owner of the
// target product and becomes the recipient.
type ProposeParams struct {
	TargetProductID string
	ProductSellerID string
	ProposerID      string
	Offer           Offer
	ExpiryDays      int
}

func (p ProposeParams) Validate() error {
	if err := settlement.RequireID("targetProductId", p.TargetProductID); err != nil {
		return err
	}
	if err := settlement.RequireID("proposerId", p.ProposerID); err != nil {
		return err
	}
	if err := settlement.RequireID("recipientId", p.ProductSellerID); err != nil {
		return err
	}
	if p.ProposerID == p.ProductSellerID {
		return settlement.Invalid("targetProductId", "cannot barter for your own product")
	}
	if err := p.Offer.Validate("offer"); err != nil {
		return err
	}
	return ValidateExpiryDays(p.ExpiryDays)
}

// Propose builds a pending proposal with id.
func Propose(p ProposeParams, id string, now time.Time) (Proposal, error) {
	if err := p.Validate(); err != nil {
		return Proposal{}, err
	}
	return Proposal{
		ID:              id,
		ProposerID:      p.ProposerID,
		RecipientID:     p.ProductSellerID,
		TargetProductID: p.TargetProductID,
		Offer:           p.Offer.normalized(),
		Status:          StatusPending,
		ExpiryDays:      p.ExpiryDays,
		ExpiresAt:       expiryFrom(now, p.ExpiryDays),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func expiryFrom(now time.Time, days int) time.Time {
	return now.Add(time.Duration(days) * 24 * time.Hour)
}

// Lapsed reports whether a pending proposal is past its deadline at now.
func (p Proposal) Lapsed(now time.Time) bool {
	return p.Status == StatusPending && now.After(p.ExpiresAt)
}

// EffectiveStatus is the status a reader should see at now. Stored status
// lags for pending proposals nobody has responded to since they lapsed.
func (p Proposal) EffectiveStatus(now time.Time) Status {
	if p.Lapsed(now) {
		return StatusExpired
	}
	return p.Status
}

// RoleOf resolves which side userID is on.
func (p Proposal) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case p.ProposerID:
		return RoleProposer, true
	case p.RecipientID:
		return RoleRecipient, true
	}
	return "", false
}

// UserID returns the user acting in role.
func (p Proposal) UserID(r Role) string {
	if r == RoleProposer {
		return p.ProposerID
	}
	return p.RecipientID
}

func (p Proposal) confirmed(r Role) bool {
	if r == RoleProposer {
		return p.ProposerConfirmedDelivery
	}
	return p.RecipientConfirmedDelivery
}
