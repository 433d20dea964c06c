package escrow

import (
	"strings"
	"time"

	"settleflow/settlement"
)

// Result reports the outcome of applying one action to a settlement.
type Result struct {
	Status Status
	// WaitingOn is the party whose confirmation is still outstanding.
	WaitingOn Party
	// Changed is false when the action was an idempotent repeat.
	Changed bool
	// Released is true only for the call that moved the record to released.
	Released bool
}

// ConfirmDelivery records party's confirmation on s. The second distinct
// confirmation releases the funds. Callers must run it inside a single
// ledger transaction so two confirmations cannot both observe the release.
func ConfirmDelivery(s *Settlement, party Party, now time.Time) (Result, error) {
	if party != PartyBuyer && party != PartySeller {
		return Result{}, settlement.ErrForbidden
	}
	switch s.Status {
	case StatusEscrowed:
	case StatusDisputed:
		return Result{}, settlement.ErrAlreadyDisputed
	default:
		return Result{}, settlement.ErrAlreadyFinalized
	}

	res := Result{Status: StatusEscrowed}
	if !s.confirmed(party) {
		at := now
		if party == PartyBuyer {
			s.BuyerConfirmedDelivery = true
			s.BuyerConfirmedAt = &at
		} else {
			s.SellerConfirmedDelivery = true
			s.SellerConfirmedAt = &at
		}
		s.UpdatedAt = now
		res.Changed = true
	}

	if s.BuyerConfirmedDelivery && s.SellerConfirmedDelivery {
		at := now
		s.Status = StatusReleased
		s.ReleasedAt = &at
		s.UpdatedAt = now
		return Result{Status: StatusReleased, Changed: true, Released: true}, nil
	}

	res.WaitingOn = party.Other()
	return res, nil
}

// RaiseDispute freezes s. Once disputed no confirmation can release it.
func RaiseDispute(s *Settlement, party Party, reason, description string, now time.Time) (Result, error) {
	if party != PartyBuyer && party != PartySeller {
		return Result{}, settlement.ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Result{}, settlement.Invalid("reason", "required")
	}
	if err := settlement.CheckDescription("description", description); err != nil {
		return Result{}, err
	}
	switch s.Status {
	case StatusEscrowed:
	case StatusDisputed:
		return Result{}, settlement.ErrAlreadyDisputed
	default:
		return Result{}, settlement.ErrAlreadyFinalized
	}

	at := now
	s.Status = StatusDisputed
	s.DisputeReason = reason
	s.DisputeDescription = strings.TrimSpace(description)
	s.DisputeRaisedBy = s.UserID(party)
	s.DisputedAt = &at
	s.UpdatedAt = now
	return Result{Status: StatusDisputed, Changed: true}, nil
}
