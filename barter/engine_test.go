package barter

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"settleflow/settlement"
)

var testNow = time.Date(2025, 7, 14, 8, 0, 0, 0, time.UTC)

func validOffer() Offer {
	return Offer{
		ItemName:       "Road bike",
		Description:    "Aluminium frame, new tyres, serviced last month.",
		EstimatedValue: decimal.NewFromInt(240),
		Condition:      "good",
	}
}

func newPending(t *testing.T, days int) Proposal {
	t.Helper()
	p, err := Propose(ProposeParams{
		TargetProductID: "product-1",
		ProductSellerID: "seller-1",
		ProposerID:      "proposer-1",
		Offer:           validOffer(),
		ExpiryDays:      days,
	}, "proposal-1", testNow)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return p
}

func TestPropose_Boundaries(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(p *ProposeParams)
		wantErr bool
	}{
		{"description of 20", func(p *ProposeParams) { p.Offer.Description = strings.Repeat("d", 20) }, false},
		{"description of 19", func(p *ProposeParams) { p.Offer.Description = strings.Repeat("d", 19) }, true},
		{"expiry 1", func(p *ProposeParams) { p.ExpiryDays = 1 }, false},
		{"expiry 7", func(p *ProposeParams) { p.ExpiryDays = 7 }, false},
		{"expiry 8", func(p *ProposeParams) { p.ExpiryDays = 8 }, true},
		{"expiry 0", func(p *ProposeParams) { p.ExpiryDays = 0 }, true},
		{"self barter", func(p *ProposeParams) { p.ProposerID = p.ProductSellerID }, true},
		{"zero value", func(p *ProposeParams) { p.Offer.EstimatedValue = decimal.Zero }, true},
		{"missing item", func(p *ProposeParams) { p.Offer.ItemName = "" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := ProposeParams{
				TargetProductID: "product-1",
				ProductSellerID: "seller-1",
				ProposerID:      "proposer-1",
				Offer:           validOffer(),
				ExpiryDays:      3,
			}
			tc.mutate(&params)
			_, err := Propose(params, "p", testNow)
			if tc.wantErr && !errors.Is(err, settlement.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
		})
	}
}

func TestPropose_SetsRecipientAndExpiry(t *testing.T) {
	p := newPending(t, 3)
	if p.RecipientID != "seller-1" || p.Status != StatusPending {
		t.Fatalf("unexpected proposal %+v", p)
	}
	if want := testNow.Add(72 * time.Hour); !p.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, p.ExpiresAt)
	}
}

func TestRespond_Accept(t *testing.T) {
	p := newPending(t, 3)
	res, err := Respond(&p, "seller-1", Response{Action: ActionAccept}, "", testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Status != StatusConfirmed || p.Status != StatusConfirmed || p.RespondedAt == nil {
		t.Fatalf("unexpected state %+v / %+v", res, p)
	}
}

func TestRespond_Reject(t *testing.T) {
	p := newPending(t, 3)
	if _, err := Respond(&p, "seller-1", Response{Action: ActionReject}, "", testNow); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.Status != StatusDeclined {
		t.Fatalf("expected declined, got %s", p.Status)
	}
	if _, err := Respond(&p, "seller-1", Response{Action: ActionAccept}, "", testNow); !errors.Is(err, settlement.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestRespond_OnlyRecipient(t *testing.T) {
	p := newPending(t, 3)
	for _, who := range []string{"proposer-1", "stranger", ""} {
		if _, err := Respond(&p, who, Response{Action: ActionAccept}, "", testNow); !errors.Is(err, settlement.ErrForbidden) {
			t.Fatalf("%q: expected ErrForbidden, got %v", who, err)
		}
	}
	if p.Status != StatusPending {
		t.Fatalf("expected pending, got %s", p.Status)
	}
}

func TestRespond_ExpiryPreemptsAnyAction(t *testing.T) {
	for _, action := range []Action{ActionAccept, ActionReject, ActionCounter, Action("bogus")} {
		t.Run(string(action), func(t *testing.T) {
			p := newPending(t, 1)
			offer := validOffer()
			res, err := Respond(&p, "seller-1", Response{Action: action, CounterOffer: &offer}, "counter-1", testNow.Add(25*time.Hour))
			if !errors.Is(err, settlement.ErrProposalExpired) {
				t.Fatalf("expected ErrProposalExpired, got %v", err)
			}
			if p.Status != StatusExpired || res.Status != StatusExpired {
				t.Fatalf("expected expired, got %s", p.Status)
			}
			if res.Counter != nil {
				t.Fatalf("expired proposal must not spawn a counter")
			}
		})
	}
}

func TestRespond_AlreadyExpired(t *testing.T) {
	p := newPending(t, 1)
	p.Status = StatusExpired
	if _, err := Respond(&p, "seller-1", Response{Action: ActionAccept}, "", testNow); !errors.Is(err, settlement.ErrProposalExpired) {
		t.Fatalf("expected ErrProposalExpired, got %v", err)
	}
	if _, err := Respond(&p, "proposer-1", Response{Action: ActionAccept}, "", testNow); !errors.Is(err, settlement.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for proposer, got %v", err)
	}
}

func TestRespond_AtDeadlineStillOpen(t *testing.T) {
	p := newPending(t, 1)
	if _, err := Respond(&p, "seller-1", Response{Action: ActionAccept}, "", p.ExpiresAt); err != nil {
		t.Fatalf("expected response at deadline to succeed, got %v", err)
	}
}

func TestRespond_Counter(t *testing.T) {
	p := newPending(t, 5)
	counterOffer := Offer{
		ItemName:       "Camping stove",
		Description:    "Two-burner stove with carry case and regulator.",
		EstimatedValue: decimal.NewFromInt(90),
	}
	at := testNow.Add(2 * time.Hour)

	res, err := Respond(&p, "seller-1", Response{Action: ActionCounter, CounterOffer: &counterOffer}, "proposal-2", at)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if p.Status != StatusCountered || p.CounterProposalID != "proposal-2" {
		t.Fatalf("unexpected original %+v", p)
	}
	c := res.Counter
	if c == nil {
		t.Fatalf("expected counter proposal")
	}
	if c.ProposerID != "seller-1" || c.RecipientID != "proposer-1" {
		t.Errorf("expected swapped parties, got %s -> %s", c.ProposerID, c.RecipientID)
	}
	if c.ParentProposalID != "proposal-1" || c.TargetProductID != "product-1" {
		t.Errorf("unexpected linkage %+v", c)
	}
	if c.Status != StatusPending || c.ExpiryDays != 5 || !c.ExpiresAt.Equal(at.Add(5*24*time.Hour)) {
		t.Errorf("unexpected counter window %+v", c)
	}
}

func TestRespond_CounterValidation(t *testing.T) {
	short := validOffer()
	short.Description = "too short"
	cases := []struct {
		name string
		resp Response
		id   string
	}{
		{"missing offer", Response{Action: ActionCounter}, "c"},
		{"short description", Response{Action: ActionCounter, CounterOffer: &short}, "c"},
		{"bad expiry", Response{Action: ActionCounter, CounterOffer: ptr(validOffer()), CounterExpiryDays: 9}, "c"},
		{"self id", Response{Action: ActionCounter, CounterOffer: ptr(validOffer())}, "proposal-1"},
		{"unknown action", Response{Action: "haggle"}, "c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPending(t, 3)
			res, err := Respond(&p, "seller-1", tc.resp, tc.id, testNow)
			if !errors.Is(err, settlement.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if p.Status != StatusPending || res.Counter != nil {
				t.Fatalf("validation failure must not mutate")
			}
		})
	}
}

func TestConfirmDelivery_Completes(t *testing.T) {
	p := newPending(t, 3)
	if _, err := Respond(&p, "seller-1", Response{Action: ActionAccept}, "", testNow); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res, err := ConfirmDelivery(&p, RoleRecipient, testNow)
	if err != nil {
		t.Fatalf("recipient confirm: %v", err)
	}
	if res.Completed || res.WaitingOn != RoleProposer {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = ConfirmDelivery(&p, RoleRecipient, testNow)
	if err != nil || res.Changed {
		t.Fatalf("expected idempotent repeat, got %+v %v", res, err)
	}

	res, err = ConfirmDelivery(&p, RoleProposer, testNow)
	if err != nil {
		t.Fatalf("proposer confirm: %v", err)
	}
	if !res.Completed || p.Status != StatusCompleted || p.CompletedAt == nil {
		t.Fatalf("expected completion, got %+v", p)
	}

	if _, err := ConfirmDelivery(&p, RoleProposer, testNow); !errors.Is(err, settlement.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestConfirmDelivery_RequiresAcceptance(t *testing.T) {
	p := newPending(t, 3)
	if _, err := ConfirmDelivery(&p, RoleProposer, testNow); !errors.Is(err, settlement.ErrValidation) {
		t.Fatalf("expected validation error on pending, got %v", err)
	}
	p.Status = StatusDeclined
	if _, err := ConfirmDelivery(&p, RoleProposer, testNow); !errors.Is(err, settlement.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized on declined, got %v", err)
	}
}

func TestEffectiveStatus(t *testing.T) {
	p := newPending(t, 1)
	if got := p.EffectiveStatus(testNow); got != StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := p.EffectiveStatus(testNow.Add(48 * time.Hour)); got != StatusExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	p.Status = StatusConfirmed
	if got := p.EffectiveStatus(testNow.Add(48 * time.Hour)); got != StatusConfirmed {
		t.Fatalf("accepted proposals never lapse, got %s", got)
	}
}

func ptr[T any](v T) *T {
	return &v
}
