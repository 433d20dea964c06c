package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"settleflow/catalog"
	"settleflow/dispatch"
	"settleflow/ledger"
	"settleflow/notify"
	"settleflow/payment"
)

type fakePayments struct {
	mu    sync.Mutex
	calls []payment.CaptureRequest
	err   error
}

func (f *fakePayments) Capture(_ context.Context, req payment.CaptureRequest) (payment.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return payment.Receipt{}, f.err
	}
	return payment.Receipt{ID: fmt.Sprintf("cap_%d", len(f.calls)), Status: "captured"}, nil
}

func (f *fakePayments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProducts map[string]catalog.Product

func (f fakeProducts) Tradable(_ context.Context, id string) (catalog.Product, error) {
	p, ok := f[id]
	if !ok || !p.Active {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

type orderCall struct {
	orderID string
	status  string
}

type fakeOrders struct {
	mu    sync.Mutex
	calls []orderCall
	err   error
}

func (f *fakeOrders) SetOrderStatus(_ context.Context, orderID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orderCall{orderID: orderID, status: status})
	return f.err
}

func (f *fakeOrders) snapshot() []orderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orderCall(nil), f.calls...)
}

type sent struct {
	userID string
	typ    notify.Type
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, userID string, typ notify.Type, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{userID: userID, typ: typ})
	return f.err
}

func (f *fakeNotifier) count(typ notify.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.typ == typ {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) sentTo(userID string, typ notify.Type) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sent {
		if s.userID == userID && s.typ == typ {
			return true
		}
	}
	return false
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	store    *ledger.MemoryStore
	payments *fakePayments
	orders   *fakeOrders
	notifier *fakeNotifier
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    ledger.NewMemoryStore(),
		payments: &fakePayments{},
		orders:   &fakeOrders{},
		notifier: &fakeNotifier{},
		clock:    &testClock{t: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var (
		idMu sync.Mutex
		seq  int
	)
	h.svc = NewService(h.store, Deps{
		Payments: h.payments,
		Products: fakeProducts{
			"product-1": {ID: "product-1", SellerID: "seller-1", Title: "Vintage lamp", Price: decimal.NewFromInt(45), Active: true},
			"product-2": {ID: "product-2", SellerID: "seller-2", Title: "Withdrawn", Active: false},
		},
		Orders:     h.orders,
		Notifier:   h.notifier,
		Dispatcher: dispatch.Inline{Logger: logger},
		Logger:     logger,
	}).WithClock(h.clock.now).WithIDGenerator(func() string {
		idMu.Lock()
		defer idMu.Unlock()
		seq++
		return fmt.Sprintf("proposal-%d", seq)
	})
	return h
}

var errBoom = errors.New("boom")
