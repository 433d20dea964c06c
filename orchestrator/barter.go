package orchestrator

import (
	"context"
	"errors"

	"settleflow/barter"
	"settleflow/catalog"
	"settleflow/notify"
	"settleflow/settlement"
)

// ProposeBarterRequest offers goods in exchange for a listed product.
type ProposeBarterRequest struct {
	TargetProductID string
	Offer           barter.Offer
	ExpiryDays      int
}

// RespondRequest is the recipient's answer to a proposal.
type RespondRequest struct {
	Action            barter.Action
	CounterOffer      *barter.Offer
	CounterExpiryDays int
}

// BarterOutcome is returned by respond and confirm.
type BarterOutcome struct {
	ID        string
	Status    barter.Status
	WaitingOn barter.Role
	Counter   *barter.Proposal
}

// ProposeBarter opens a proposal addressed to the seller of the target
// product.
func (s *Service) ProposeBarter(ctx context.Context, proposerID string, req ProposeBarterRequest) (barter.Proposal, error) {
	if err := settlement.RequireID("proposerId", proposerID); err != nil {
		return barter.Proposal{}, err
	}
	if err := req.Offer.Validate("offer"); err != nil {
		return barter.Proposal{}, err
	}
	if err := barter.ValidateExpiryDays(req.ExpiryDays); err != nil {
		return barter.Proposal{}, err
	}
	if s.products == nil {
		return barter.Proposal{}, settlement.ErrNotFound
	}

	product, err := s.products.Tradable(ctx, req.TargetProductID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return barter.Proposal{}, settlement.ErrNotFound
		}
		return barter.Proposal{}, err
	}

	p, err := barter.Propose(barter.ProposeParams{
		TargetProductID: product.ID,
		ProductSellerID: product.SellerID,
		ProposerID:      proposerID,
		Offer:           req.Offer,
		ExpiryDays:      req.ExpiryDays,
	}, s.newID(), s.now())
	if err != nil {
		return barter.Proposal{}, err
	}
	if err := s.barters.Create(ctx, p); err != nil {
		return barter.Proposal{}, err
	}

	s.logger.InfoContext(ctx, "barter proposed",
		"operation", "propose_barter",
		"outcome", "success",
		"proposal_id", p.ID,
		"target_product_id", p.TargetProductID,
	)
	s.notifyUser(p.RecipientID, notify.BarterProposed, proposalPayload(p))
	return p, nil
}

// GetBarter returns the proposal to one of its parties with its effective
// status. A lapsed pending proposal reads as expired without a write.
func (s *Service) GetBarter(ctx context.Context, proposalID, actingUserID string) (barter.Proposal, error) {
	p, err := s.barters.Get(ctx, proposalID)
	if err != nil {
		return barter.Proposal{}, err
	}
	if _, ok := p.RoleOf(actingUserID); !ok {
		return barter.Proposal{}, settlement.ErrForbidden
	}
	p.Status = p.EffectiveStatus(s.now())
	return p, nil
}

// RespondToBarter applies the recipient's accept, reject or counter. A
// proposal found past its deadline is stored as expired and the call fails
// with settlement.ErrProposalExpired.
func (s *Service) RespondToBarter(ctx context.Context, proposalID, actingUserID string, req RespondRequest) (BarterOutcome, error) {
	current, err := s.barters.Get(ctx, proposalID)
	if err != nil {
		return BarterOutcome{}, err
	}
	if _, ok := current.RoleOf(actingUserID); !ok {
		return BarterOutcome{}, settlement.ErrForbidden
	}

	var counterID string
	if req.Action == barter.ActionCounter {
		counterID = s.newID()
	}
	resp := barter.Response{
		Action:            req.Action,
		CounterOffer:      req.CounterOffer,
		CounterExpiryDays: req.CounterExpiryDays,
	}

	var (
		res        barter.RespondResult
		expired    bool
		expiredNow bool
	)
	updated, err := s.barters.Update(ctx, proposalID, func(p *barter.Proposal) (*barter.Proposal, error) {
		wasPending := p.Status == barter.StatusPending
		var err error
		res, err = barter.Respond(p, actingUserID, resp, counterID, s.now())
		expired = errors.Is(err, settlement.ErrProposalExpired)
		expiredNow = expired && wasPending
		if expired {
			// Commit the expiry, then report it.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res.Counter, nil
	})
	if err != nil {
		s.logRejected(ctx, "respond_to_barter", proposalID, err)
		return BarterOutcome{}, err
	}

	if expired {
		s.logRejected(ctx, "respond_to_barter", proposalID, settlement.ErrProposalExpired)
		if expiredNow {
			s.notifyBoth(updated.ProposerID, updated.RecipientID, notify.BarterExpired, proposalPayload(updated))
		}
		return BarterOutcome{ID: updated.ID, Status: barter.StatusExpired}, settlement.ErrProposalExpired
	}

	s.logger.InfoContext(ctx, "barter answered",
		"operation", "respond_to_barter",
		"outcome", string(res.Status),
		"proposal_id", updated.ID,
	)
	switch res.Status {
	case barter.StatusConfirmed:
		s.notifyUser(updated.ProposerID, notify.BarterAccepted, proposalPayload(updated))
	case barter.StatusDeclined:
		s.notifyUser(updated.ProposerID, notify.BarterDeclined, proposalPayload(updated))
	case barter.StatusCountered:
		if res.Counter != nil {
			s.notifyUser(res.Counter.RecipientID, notify.BarterCountered, proposalPayload(*res.Counter))
		}
	}
	return BarterOutcome{ID: updated.ID, Status: res.Status, Counter: res.Counter}, nil
}

// ConfirmBarterDelivery records the caller's delivery confirmation on an
// accepted proposal. The second distinct confirmation completes it.
func (s *Service) ConfirmBarterDelivery(ctx context.Context, proposalID, actingUserID string) (BarterOutcome, error) {
	current, err := s.barters.Get(ctx, proposalID)
	if err != nil {
		return BarterOutcome{}, err
	}
	role, ok := current.RoleOf(actingUserID)
	if !ok {
		return BarterOutcome{}, settlement.ErrForbidden
	}

	var res barter.ConfirmResult
	updated, err := s.barters.Update(ctx, proposalID, func(p *barter.Proposal) (*barter.Proposal, error) {
		var err error
		res, err = barter.ConfirmDelivery(p, role, s.now())
		return nil, err
	})
	if err != nil {
		s.logRejected(ctx, "confirm_barter_delivery", proposalID, err)
		return BarterOutcome{}, err
	}

	switch {
	case res.Completed:
		s.logger.InfoContext(ctx, "barter completed",
			"operation", "confirm_barter_delivery",
			"outcome", "completed",
			"proposal_id", updated.ID,
		)
		s.notifyBoth(updated.ProposerID, updated.RecipientID, notify.BarterCompleted, proposalPayload(updated))
	case res.Changed:
		s.notifyUser(updated.UserID(role.Other()), notify.BarterDeliveryConfirmed, proposalPayload(updated))
	}
	return BarterOutcome{ID: updated.ID, Status: res.Status, WaitingOn: res.WaitingOn}, nil
}
