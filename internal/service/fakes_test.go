package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"order-exchange/internal/entity"
	"order-exchange/internal/gateway"
	"order-exchange/internal/lock"
	"order-exchange/internal/repository"
)

var (
	buyer  = Actor{Party: entity.User{ID: "buyer-1"}, UserID: "buyer-1"}
	seller = Actor{Party: entity.Partner{ID: "gallery-1"}, UserID: "gallery-admin"}
	admin  = Actor{UserID: "ops-1"}
	usAddr = &entity.Address{Name: "Ada", Line1: "1 Main St", City: "New York", Region: "NY", Country: "US", PostalCode: "10001"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCatalog struct {
	mu   sync.Mutex
	item gateway.CatalogItem
	err  error
}

func (c *fakeCatalog) Item(_ context.Context, id string) (*gateway.CatalogItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if id != c.item.ID {
		return nil, entity.ErrNotFound
	}
	item := c.item
	return &item, nil
}

func (c *fakeCatalog) update(fn func(item *gateway.CatalogItem)) {
	c.mu.Lock()
	fn(&c.item)
	c.mu.Unlock()
}

type fakeInventory struct {
	mu       sync.Mutex
	stock    map[string]int
	reserves int
	releases int
}

func (i *fakeInventory) Reserve(_ context.Context, itemID string, quantity int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reserves++
	if i.stock[itemID] < quantity {
		return gateway.ErrInsufficientStock
	}
	i.stock[itemID] -= quantity
	return nil
}

func (i *fakeInventory) Release(_ context.Context, itemID string, quantity int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.releases++
	i.stock[itemID] += quantity
	return nil
}

func (i *fakeInventory) counts() (reserves, releases, stock int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reserves, i.releases, i.stock["artwork-1"]
}

const (
	opHold    = "hold"
	opCapture = "capture"
	opConfirm = "confirm"
	opRefund  = "refund"
)

// fakePayment succeeds unless a result is queued for the operation.
type fakePayment struct {
	mu      sync.Mutex
	calls   map[string]int
	queued  map[string][]gateway.PaymentResult
	errs    map[string]error
	block   map[string]bool
	holds   []gateway.HoldRequest
	onCall  func(op string)
	feeCent int64
}

func newFakePayment() *fakePayment {
	return &fakePayment{
		calls:  map[string]int{},
		queued: map[string][]gateway.PaymentResult{},
		errs:   map[string]error{},
		block:  map[string]bool{},
	}
}

func (p *fakePayment) queue(op string, res gateway.PaymentResult) {
	p.mu.Lock()
	p.queued[op] = append(p.queued[op], res)
	p.mu.Unlock()
}

func (p *fakePayment) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakePayment) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func (p *fakePayment) next(ctx context.Context, op, externalID string) (gateway.PaymentResult, error) {
	p.mu.Lock()
	p.calls[op]++
	n := p.calls[op]
	res := gateway.PaymentResult{Status: gateway.PaymentSucceeded}
	if q := p.queued[op]; len(q) > 0 {
		res, p.queued[op] = q[0], q[1:]
	}
	if op == opCapture && res.Status == gateway.PaymentSucceeded && res.FeeCents == 0 {
		res.FeeCents = p.feeCent
	}
	err, block, hook := p.errs[op], p.block[op], p.onCall
	p.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if block {
		<-ctx.Done()
		return gateway.PaymentResult{}, ctx.Err()
	}
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	if res.ExternalID == "" {
		res.ExternalID = externalID
	}
	if res.ExternalID == "" {
		res.ExternalID = fmt.Sprintf("ch_%d", n)
	}
	return res, nil
}

func (p *fakePayment) Hold(ctx context.Context, req gateway.HoldRequest) (gateway.PaymentResult, error) {
	p.mu.Lock()
	p.holds = append(p.holds, req)
	p.mu.Unlock()
	return p.next(ctx, opHold, "")
}

func (p *fakePayment) Capture(ctx context.Context, id string) (gateway.PaymentResult, error) {
	return p.next(ctx, opCapture, id)
}

func (p *fakePayment) Confirm(ctx context.Context, id string) (gateway.PaymentResult, error) {
	return p.next(ctx, opConfirm, id)
}

func (p *fakePayment) Refund(ctx context.Context, id string) (gateway.PaymentResult, error) {
	return p.next(ctx, opRefund, id)
}

type fakeTax struct {
	mu        sync.Mutex
	amount    int64
	err       error
	recordErr error
	collected []gateway.TaxRecord
	refunded  []gateway.TaxRecord
}

func (t *fakeTax) ComputeTax(context.Context, gateway.TaxRequest) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amount, t.err
}

func (t *fakeTax) RecordCollected(_ context.Context, rec gateway.TaxRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recordErr != nil {
		return t.recordErr
	}
	t.collected = append(t.collected, rec)
	return nil
}

func (t *fakeTax) RecordRefund(_ context.Context, rec gateway.TaxRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recordErr != nil {
		return t.recordErr
	}
	t.refunded = append(t.refunded, rec)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []gateway.Event
}

func (e *fakeEvents) Publish(_ context.Context, ev gateway.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEvents) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type scheduled struct {
	at time.Time
	cb gateway.Callback
}

type fakeScheduler struct {
	mu    sync.Mutex
	queue []scheduled
}

func (s *fakeScheduler) ScheduleAt(_ context.Context, at time.Time, cb gateway.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scheduled{at: at, cb: cb})
	return nil
}

func (s *fakeScheduler) find(kind gateway.CallbackKind) []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduled
	for _, sc := range s.queue {
		if sc.cb.Kind == kind {
			out = append(out, sc)
		}
	}
	return out
}

type fakeCommission struct {
	mu   sync.Mutex
	rate decimal.Decimal
}

func (c *fakeCommission) Rate(context.Context, string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate, nil
}

func (c *fakeCommission) set(rate string) {
	c.mu.Lock()
	c.rate = decimal.RequireFromString(rate)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingObserver) OnEvent(name string, _ map[string]string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func (r *recordingObserver) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// flakyStore fails Save while saveErr is set.
type flakyStore struct {
	*repository.MemoryStore
	mu      sync.Mutex
	saveErr error
}

func (f *flakyStore) Save(ctx context.Context, o *entity.Order) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, o)
}

func (f *flakyStore) failSaves(err error) {
	f.mu.Lock()
	f.saveErr = err
	f.mu.Unlock()
}

type harness struct {
	clock      *clock
	store      *flakyStore
	catalog    *fakeCatalog
	inventory  *fakeInventory
	payment    *fakePayment
	tax        *fakeTax
	events     *fakeEvents
	scheduler  *fakeScheduler
	commission *fakeCommission
	observer   *recordingObserver
	deps       Deps
	settings   Settings
	orders     *OrderService
	offers     *OfferService
	followUps  *FollowUpService
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		clock: &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		store: &flakyStore{MemoryStore: repository.NewMemoryStore()},
		catalog: &fakeCatalog{item: gateway.CatalogItem{
			ID:                         "artwork-1",
			VersionID:                  "v1",
			PartnerID:                  "gallery-1",
			PriceCents:                 420042,
			Currency:                   "USD",
			Published:                  true,
			Acquireable:                true,
			Offerable:                  true,
			Location:                   entity.Address{City: "Brooklyn", Region: "NY", Country: "US"},
			DomesticShippingCents:      entity.Int64(1000),
			InternationalShippingCents: entity.Int64(5000),
		}},
		inventory:  &fakeInventory{stock: map[string]int{"artwork-1": 1}},
		payment:    newFakePayment(),
		tax:        &fakeTax{amount: 2500},
		events:     &fakeEvents{},
		scheduler:  &fakeScheduler{},
		commission: &fakeCommission{rate: decimal.RequireFromString("0.2")},
		observer:   &recordingObserver{},
	}
	h.deps = Deps{
		Store:      h.store,
		Catalog:    h.catalog,
		Inventory:  h.inventory,
		Payment:    h.payment,
		Tax:        h.tax,
		Events:     h.events,
		Scheduler:  h.scheduler,
		Locker:     lock.NewKeyedLocker(),
		Commission: h.commission,
		Observer:   h.observer,
	}
	h.settings = Settings{
		GatewayTimeout: 200 * time.Millisecond,
		LockWait:       2 * time.Second,
		OfferWindow:    72 * time.Hour,
		ReminderLead:   6 * time.Hour,
		Now:            h.clock.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.orders = NewOrderService(h.deps, h.settings)
	h.offers = NewOfferService(h.deps, h.settings)
	h.followUps = NewFollowUpService(h.orders)
	return h
}

// pendingOrder creates an order ready for submission.
func (h *harness) pendingOrder(t *testing.T, mode entity.Mode, fulfillment entity.FulfillmentType) *entity.Order {
	t.Helper()
	ctx := context.Background()
	o, err := h.orders.Create(ctx, buyer, CreateRequest{ItemID: "artwork-1", Quantity: 1, Mode: mode})
	require.NoError(t, err)

	req := ShippingRequest{FulfillmentType: fulfillment}
	if fulfillment == entity.FulfillmentShip {
		req.Address = usAddr
	}
	_, err = h.orders.SetShipping(ctx, buyer, o.ID, req)
	require.NoError(t, err)
	o, err = h.orders.SetPayment(ctx, buyer, o.ID, "pm_visa")
	require.NoError(t, err)
	return o
}

func (h *harness) submittedOrder(t *testing.T) *entity.Order {
	t.Helper()
	o := h.pendingOrder(t, entity.ModeBuy, entity.FulfillmentShip)
	o, err := h.orders.Submit(context.Background(), buyer, o.ID)
	require.NoError(t, err)
	return o
}

func (h *harness) approvedOrder(t *testing.T) *entity.Order {
	t.Helper()
	o := h.submittedOrder(t)
	o, err := h.orders.Approve(context.Background(), seller, o.ID)
	require.NoError(t, err)
	return o
}

func (h *harness) stored(t *testing.T, id string) *entity.Order {
	t.Helper()
	o, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}
