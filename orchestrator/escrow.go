package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"settleflow/escrow"
	"settleflow/notify"
	"settleflow/orders"
	"settleflow/payment"
	"settleflow/settlement"
)

// CreateEscrowRequest opens an escrow for an order.
type CreateEscrowRequest struct {
	OrderID  string
	BuyerID  string
	SellerID string
	Amount   decimal.Decimal
	Currency string
}

// EscrowOutcome is returned by confirm and dispute.
type EscrowOutcome struct {
	ID        string
	Status    escrow.Status
	WaitingOn escrow.Party
}

// CreateEscrow captures the buyer's funds and records the escrow. Nothing
// is stored when the capture fails. An order can be escrowed once.
func (s *Service) CreateEscrow(ctx context.Context, actingUserID string, req CreateEscrowRequest) (escrow.Settlement, error) {
	if actingUserID == "" || actingUserID != req.BuyerID {
		return escrow.Settlement{}, settlement.ErrForbidden
	}
	params := escrow.NewParams{
		OrderID:  req.OrderID,
		BuyerID:  req.BuyerID,
		SellerID: req.SellerID,
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	if err := params.Validate(); err != nil {
		return escrow.Settlement{}, err
	}

	id := escrow.IDForOrder(req.OrderID)
	exists, err := s.escrows.Exists(ctx, id)
	if err != nil {
		return escrow.Settlement{}, err
	}
	if exists {
		return escrow.Settlement{}, settlement.ErrAlreadyExists
	}

	if s.payments == nil {
		return escrow.Settlement{}, fmt.Errorf("%w: no payment gateway configured", settlement.ErrPaymentCaptureFailed)
	}
	fee := escrow.ComputeFee(req.Amount)
	receipt, err := s.payments.Capture(ctx, payment.CaptureRequest{
		OrderID:        req.OrderID,
		PayerID:        req.BuyerID,
		Amount:         req.Amount.Add(fee),
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		IdempotencyKey: req.OrderID,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "payment capture failed",
			"operation", "create_escrow",
			"outcome", "capture_failed",
			"order_id", req.OrderID,
			"error", err,
		)
		return escrow.Settlement{}, fmt.Errorf("%w: %v", settlement.ErrPaymentCaptureFailed, err)
	}

	st, err := escrow.New(params, receipt.ID, s.now())
	if err != nil {
		return escrow.Settlement{}, err
	}
	if err := s.escrows.Create(ctx, st); err != nil {
		// A concurrent create for the same order won; the shared idempotency
		// key means the gateway charged once.
		s.logger.ErrorContext(ctx, "escrow not recorded after capture",
			"operation", "create_escrow",
			"outcome", "failure",
			"order_id", req.OrderID,
			"payment_reference", receipt.ID,
			"error", err,
		)
		return escrow.Settlement{}, err
	}

	s.logger.InfoContext(ctx, "escrow funded",
		"operation", "create_escrow",
		"outcome", "success",
		"escrow_id", st.ID,
		"order_id", st.OrderID,
	)
	s.notifyBoth(st.BuyerID, st.SellerID, notify.EscrowFunded, escrowPayload(st))
	return st, nil
}

// GetEscrow returns the escrow to one of its parties.
func (s *Service) GetEscrow(ctx context.Context, escrowID, actingUserID string) (escrow.Settlement, error) {
	st, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return escrow.Settlement{}, err
	}
	if _, ok := st.PartyOf(actingUserID); !ok {
		return escrow.Settlement{}, settlement.ErrForbidden
	}
	return st, nil
}

// ConfirmEscrowDelivery records the caller's delivery confirmation. The
// release and its order sync happen once, on the confirming call that
// commits the transition.
func (s *Service) ConfirmEscrowDelivery(ctx context.Context, escrowID, actingUserID string) (EscrowOutcome, error) {
	current, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return EscrowOutcome{}, err
	}
	party, ok := current.PartyOf(actingUserID)
	if !ok {
		return EscrowOutcome{}, settlement.ErrForbidden
	}

	var res escrow.Result
	updated, err := s.escrows.Update(ctx, escrowID, func(st *escrow.Settlement) error {
		var err error
		res, err = escrow.ConfirmDelivery(st, party, s.now())
		return err
	})
	if err != nil {
		s.logRejected(ctx, "confirm_escrow_delivery", escrowID, err)
		return EscrowOutcome{}, err
	}

	switch {
	case res.Released:
		s.logger.InfoContext(ctx, "escrow released",
			"operation", "confirm_escrow_delivery",
			"outcome", "released",
			"escrow_id", updated.ID,
		)
		orderID := updated.OrderID
		if s.orders != nil {
			s.after("orders.set_status", func(ctx context.Context) error {
				return s.orders.SetOrderStatus(ctx, orderID, orders.StatusCompleted)
			})
		}
		s.notifyBoth(updated.BuyerID, updated.SellerID, notify.EscrowReleased, escrowPayload(updated))
	case res.Changed:
		s.notifyUser(updated.UserID(party.Other()), notify.EscrowDeliveryConfirmed, escrowPayload(updated))
	}

	return EscrowOutcome{ID: updated.ID, Status: res.Status, WaitingOn: res.WaitingOn}, nil
}

// DisputeEscrow freezes the escrow. Any later confirmation fails.
func (s *Service) DisputeEscrow(ctx context.Context, escrowID, actingUserID, reason, description string) (EscrowOutcome, error) {
	current, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return EscrowOutcome{}, err
	}
	party, ok := current.PartyOf(actingUserID)
	if !ok {
		return EscrowOutcome{}, settlement.ErrForbidden
	}

	updated, err := s.escrows.Update(ctx, escrowID, func(st *escrow.Settlement) error {
		_, err := escrow.RaiseDispute(st, party, reason, description, s.now())
		return err
	})
	if err != nil {
		s.logRejected(ctx, "dispute_escrow", escrowID, err)
		return EscrowOutcome{}, err
	}

	s.logger.InfoContext(ctx, "escrow disputed",
		"operation", "dispute_escrow",
		"outcome", "disputed",
		"escrow_id", updated.ID,
		"raised_by", string(party),
	)
	payload := escrowPayload(updated)
	payload["disputeReason"] = updated.DisputeReason
	s.notifyBoth(updated.BuyerID, updated.SellerID, notify.EscrowDisputed, payload)
	return EscrowOutcome{ID: updated.ID, Status: updated.Status}, nil
}

// logRejected logs races lost to a concurrent transition at info and
// anything unexpected at error.
func (s *Service) logRejected(ctx context.Context, operation, id string, err error) {
	switch {
	case errors.Is(err, settlement.ErrAlreadyFinalized),
		errors.Is(err, settlement.ErrAlreadyDisputed),
		errors.Is(err, settlement.ErrProposalExpired):
		s.logger.InfoContext(ctx, "transition rejected",
			"operation", operation,
			"outcome", "rejected",
			"id", id,
			"error", err,
		)
	case errors.Is(err, settlement.ErrValidation),
		errors.Is(err, settlement.ErrForbidden),
		errors.Is(err, settlement.ErrNotFound):
	default:
		s.logger.ErrorContext(ctx, "transition failed",
			"operation", operation,
			"outcome", "failure",
			"id", id,
			"error", err,
		)
	}
}
