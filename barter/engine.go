package barter

import (
	"time"

	"settleflow/settlement"
)

// Response is the recipient's answer to a pending proposal.
type Response struct {
	Action       Action
	CounterOffer *Offer
	// CounterExpiryDays defaults to the original window when zero.
	CounterExpiryDays int
}

// RespondResult reports what Respond did.
type RespondResult struct {
	Status Status
	// Counter is the spawned proposal when the action was counter.
	Counter *Proposal
}

// Respond applies the recipient's response to p. A lapsed proposal is moved
// to expired and ErrProposalExpired is returned whatever the action was; the
// caller must still persist p in that case. Responding to a proposal already
// stored as expired fails the same way without changing it.
func Respond(p *Proposal, actingUserID string, resp Response, counterID string, now time.Time) (RespondResult, error) {
	if actingUserID == "" || actingUserID != p.RecipientID {
		return RespondResult{}, settlement.ErrForbidden
	}
	switch p.Status {
	case StatusPending:
	case StatusExpired:
		return RespondResult{Status: StatusExpired}, settlement.ErrProposalExpired
	default:
		return RespondResult{}, settlement.ErrAlreadyFinalized
	}
	if p.Lapsed(now) {
		expire(p, now)
		return RespondResult{Status: StatusExpired}, settlement.ErrProposalExpired
	}

	switch resp.Action {
	case ActionAccept:
		markResponded(p, StatusConfirmed, now)
		return RespondResult{Status: StatusConfirmed}, nil

	case ActionReject:
		markResponded(p, StatusDeclined, now)
		return RespondResult{Status: StatusDeclined}, nil

	case ActionCounter:
		if resp.CounterOffer == nil {
			return RespondResult{}, settlement.Invalid("counterOffer", "required for counter")
		}
		if err := resp.CounterOffer.Validate("counterOffer"); err != nil {
			return RespondResult{}, err
		}
		days := resp.CounterExpiryDays
		if days == 0 {
			days = p.ExpiryDays
		}
		if err := ValidateExpiryDays(days); err != nil {
			return RespondResult{}, err
		}
		if counterID == "" || counterID == p.ID || counterID == p.ParentProposalID {
			return RespondResult{}, settlement.Invalid("counterProposalId", "must be a fresh id")
		}

		counter := Proposal{
			ID:               counterID,
			ProposerID:       p.RecipientID,
			RecipientID:      p.ProposerID,
			TargetProductID:  p.TargetProductID,
			Offer:            resp.CounterOffer.normalized(),
			Status:           StatusPending,
			ExpiryDays:       days,
			ExpiresAt:        expiryFrom(now, days),
			ParentProposalID: p.ID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		markResponded(p, StatusCountered, now)
		p.CounterProposalID = counterID
		return RespondResult{Status: StatusCountered, Counter: &counter}, nil
	}

	return RespondResult{}, settlement.Invalid("action", "unknown action %q", resp.Action)
}

// ConfirmResult reports the outcome of a delivery confirmation.
type ConfirmResult struct {
	Status    Status
	WaitingOn Role
	Changed   bool
	Completed bool
}

// ConfirmDelivery records role's confirmation on an accepted proposal. The
// second distinct confirmation completes it.
func ConfirmDelivery(p *Proposal, role Role, now time.Time) (ConfirmResult, error) {
	if role != RoleProposer && role != RoleRecipient {
		return ConfirmResult{}, settlement.ErrForbidden
	}
	switch p.Status {
	case StatusConfirmed:
	case StatusPending:
		return ConfirmResult{}, settlement.Invalid("status", "proposal has not been accepted")
	default:
		return ConfirmResult{}, settlement.ErrAlreadyFinalized
	}

	res := ConfirmResult{Status: StatusConfirmed}
	if !p.confirmed(role) {
		at := now
		if role == RoleProposer {
			p.ProposerConfirmedDelivery = true
			p.ProposerConfirmedAt = &at
		} else {
			p.RecipientConfirmedDelivery = true
			p.RecipientConfirmedAt = &at
		}
		p.UpdatedAt = now
		res.Changed = true
	}

	if p.ProposerConfirmedDelivery && p.RecipientConfirmedDelivery {
		at := now
		p.Status = StatusCompleted
		p.CompletedAt = &at
		p.UpdatedAt = now
		return ConfirmResult{Status: StatusCompleted, Changed: true, Completed: true}, nil
	}

	res.WaitingOn = role.Other()
	return res, nil
}

// Expire moves a lapsed pending proposal to expired. It reports false when
// the proposal is not pending or has not lapsed at before.
func Expire(p *Proposal, before time.Time) bool {
	if !p.Lapsed(before) {
		return false
	}
	expire(p, before)
	return true
}

func expire(p *Proposal, now time.Time) {
	p.Status = StatusExpired
	p.UpdatedAt = now
}

func markResponded(p *Proposal, status Status, now time.Time) {
	at := now
	p.Status = status
	p.RespondedAt = &at
	p.UpdatedAt = now
}
