package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settleflow/barter"
	"settleflow/escrow"
	"settleflow/orchestrator"
	"settleflow/settlement"
)

// EscrowRef names an escrow and its two parties.
type EscrowRef struct {
	ID       string
	OrderID  string
	BuyerID  string
	SellerID string
}

// ProposalRef names a proposal and its two parties.
type ProposalRef struct {
	ID          string
	ProposerID  string
	RecipientID string
}

// Registry is the shared view of records the actors race over. Counters
// spawned during the run are added as they appear.
type Registry struct {
	mu        sync.Mutex
	escrows   []EscrowRef
	proposals []ProposalRef
	released  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{released: make(map[string]int)}
}

func (r *Registry) AddEscrow(e EscrowRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escrows = append(r.escrows, e)
}

func (r *Registry) AddProposal(p ProposalRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposals = append(r.proposals, p)
}

// Released returns how often each order was reported released to a caller.
func (r *Registry) Released() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.released))
	for k, v := range r.released {
		out[k] = v
	}
	return out
}

func (r *Registry) markReleased(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released[orderID]++
}

func (r *Registry) randomEscrow(rng *rand.Rand) (EscrowRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.escrows) == 0 {
		return EscrowRef{}, false
	}
	return r.escrows[rng.Intn(len(r.escrows))], true
}

func (r *Registry) randomProposal(rng *rand.Rand) (ProposalRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proposals) == 0 {
		return ProposalRef{}, false
	}
	return r.proposals[rng.Intn(len(r.proposals))], true
}

// expected reports whether err is an outcome a racing actor may see. Lost
// races, confirming before acceptance and faults injected by chaos are all
// fine; actors only act as real parties on real records, so these are not.
func expected(err error) bool {
	return !errors.Is(err, settlement.ErrForbidden) &&
		!errors.Is(err, settlement.ErrNotFound) &&
		!errors.Is(err, settlement.ErrAlreadyExists)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rng.Intn(spreadMS)) * time.Millisecond)
}

// Confirmer confirms delivery on random escrows as a random party.
func Confirmer(ctx context.Context, svc *orchestrator.Service, reg *Registry, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		e, ok := reg.randomEscrow(rng)
		if !ok {
			pause(rng, 5, 10)
			continue
		}
		user := e.BuyerID
		if rng.Intn(2) == 0 {
			user = e.SellerID
		}
		out, err := svc.ConfirmEscrowDelivery(ctx, e.ID, user)
		if !expected(err) {
			return fmt.Errorf("confirm %s as %s: %w", e.ID, user, err)
		}
		if err == nil && out.Status == escrow.StatusReleased {
			reg.markReleased(e.OrderID)
		}
		pause(rng, 1, 5)
	}
	return nil
}

// Disputer raises disputes on random escrows, less often than confirmations.
func Disputer(ctx context.Context, svc *orchestrator.Service, reg *Registry, seed int64, stop <-chan struct{}) error {
	reasons := []string{"not_received", "not_as_described", "damaged"}
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		e, ok := reg.randomEscrow(rng)
		if !ok {
			pause(rng, 5, 10)
			continue
		}
		user := e.BuyerID
		if rng.Intn(3) == 0 {
			user = e.SellerID
		}
		_, err := svc.DisputeEscrow(ctx, e.ID, user, reasons[rng.Intn(len(reasons))], "Stress dispute raised while confirmations race.")
		if !expected(err) {
			return fmt.Errorf("dispute %s as %s: %w", e.ID, user, err)
		}
		pause(rng, 10, 30)
	}
	return nil
}

// Responder answers random proposals as their recipient with accept,
// reject or counter, and confirms delivery on accepted ones.
func Responder(ctx context.Context, svc *orchestrator.Service, reg *Registry, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		p, ok := reg.randomProposal(rng)
		if !ok {
			pause(rng, 5, 10)
			continue
		}

		var err error
		switch rng.Intn(6) {
		case 0:
			_, err = svc.RespondToBarter(ctx, p.ID, p.RecipientID, orchestrator.RespondRequest{Action: barter.ActionAccept})
		case 1:
			_, err = svc.RespondToBarter(ctx, p.ID, p.RecipientID, orchestrator.RespondRequest{Action: barter.ActionReject})
		case 2:
			offer := barter.Offer{
				ItemName:       fmt.Sprintf("Counter item %d", rng.Intn(1000)),
				Description:    "Counter offer generated while responders race.",
				EstimatedValue: decimal.NewFromInt(int64(10 + rng.Intn(200))),
			}
			var out orchestrator.BarterOutcome
			out, err = svc.RespondToBarter(ctx, p.ID, p.RecipientID, orchestrator.RespondRequest{Action: barter.ActionCounter, CounterOffer: &offer})
			if err == nil && out.Counter != nil {
				reg.AddProposal(ProposalRef{ID: out.Counter.ID, ProposerID: out.Counter.ProposerID, RecipientID: out.Counter.RecipientID})
			}
		default:
			user := p.ProposerID
			if rng.Intn(2) == 0 {
				user = p.RecipientID
			}
			_, err = svc.ConfirmBarterDelivery(ctx, p.ID, user)
		}
		if !expected(err) {
			return fmt.Errorf("barter %s: %w", p.ID, err)
		}
		pause(rng, 1, 5)
	}
	return nil
}
