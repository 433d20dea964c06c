// Package orchestrator is the entry point for settlement actions. Each
// operation loads the record, checks the caller is a party, applies the
// engine inside one ledger transaction, and only then queues side effects.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"settleflow/barter"
	"settleflow/catalog"
	"settleflow/dispatch"
	"settleflow/escrow"
	"settleflow/ledger"
	"settleflow/notify"
	"settleflow/payment"
)

// Products resolves a barter target to its listing.
type Products interface {
	Tradable(ctx context.Context, id string) (catalog.Product, error)
}

// OrderSync mirrors settlement outcomes onto orders.
type OrderSync interface {
	SetOrderStatus(ctx context.Context, orderID, status string) error
}

// Dispatcher runs side effects after commit.
type Dispatcher interface {
	Submit(name string, fn dispatch.Task) error
}

// Deps are the collaborators a Service needs. Nil Notifier and Dispatcher
// fall back to logging and inline execution.
type Deps struct {
	Payments   payment.Capturer
	Products   Products
	Orders     OrderSync
	Notifier   notify.Notifier
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

type Service struct {
	escrows  *escrow.Repository
	barters  *barter.Repository
	payments payment.Capturer
	products Products
	orders   OrderSync
	notifier notify.Notifier
	dispatch Dispatcher
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store ledger.Store, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.Inline{Logger: logger}
	}
	return &Service{
		escrows:  escrow.NewRepository(store),
		barters:  barter.NewRepository(store),
		payments: deps.Payments,
		products: deps.Products,
		orders:   deps.Orders,
		notifier: notifier,
		dispatch: dispatcher,
		logger:   logger.With("module", "orchestrator", "layer", "application"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides proposal id generation.
func (s *Service) WithIDGenerator(fn func() string) *Service {
	s.newID = fn
	return s
}

// NewSweeper returns an expiry sweeper that shares this service's clock and
// notifies both parties of every proposal it expires.
func (s *Service) NewSweeper() *barter.Sweeper {
	return barter.NewSweeper(s.barters, s.logger).
		WithClock(s.now).
		OnExpired(func(_ context.Context, p barter.Proposal) {
			s.notifyBoth(p.ProposerID, p.RecipientID, notify.BarterExpired, proposalPayload(p))
		})
}

// after queues a side effect. The task gets its own context so a finished
// request cannot cancel it.
func (s *Service) after(name string, fn dispatch.Task) {
	if err := s.dispatch.Submit(name, fn); err != nil {
		s.logger.Warn("side effect dropped",
			"operation", name,
			"outcome", "dropped",
			"error", err,
		)
	}
}

func (s *Service) notifyUser(userID string, typ notify.Type, payload map[string]any) {
	s.after("notify."+string(typ), func(ctx context.Context) error {
		return s.notifier.Notify(ctx, userID, typ, payload)
	})
}

func (s *Service) notifyBoth(a, b string, typ notify.Type, payload map[string]any) {
	s.notifyUser(a, typ, payload)
	s.notifyUser(b, typ, payload)
}

func escrowPayload(st escrow.Settlement) map[string]any {
	return map[string]any{
		"escrowId":     st.ID,
		"orderId":      st.OrderID,
		"status":       string(st.Status),
		"totalCharged": st.TotalCharged.StringFixed(2),
		"currency":     st.Currency,
	}
}

func proposalPayload(p barter.Proposal) map[string]any {
	payload := map[string]any{
		"proposalId":      p.ID,
		"targetProductId": p.TargetProductID,
		"status":          string(p.Status),
		"itemName":        p.Offer.ItemName,
	}
	if p.ParentProposalID != "" {
		payload["parentProposalId"] = p.ParentProposalID
	}
	if p.CounterProposalID != "" {
		payload["counterProposalId"] = p.CounterProposalID
	}
	return payload
}
