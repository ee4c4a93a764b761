package service

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-exchange/internal/entity"
	"order-exchange/internal/gateway"
	"order-exchange/internal/ledger"
	"order-exchange/internal/lock"
	"order-exchange/internal/machine"
	"order-exchange/internal/repository"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Actor is the caller of an operation: the party it acts as and the user
// behind it.
type Actor struct {
	Party  entity.Party
	UserID string
}

// CommissionResolver returns the current commission rate of a seller.
type CommissionResolver interface {
	Rate(ctx context.Context, sellerID string) (decimal.Decimal, error)
}

// Deps are the collaborators of the order saga. Idempotency and Observer are
// optional.
type Deps struct {
	Store       repository.OrderStore
	Catalog     gateway.Catalog
	Inventory   gateway.Inventory
	Payment     gateway.Payment
	Tax         gateway.Tax
	Events      gateway.EventSink
	Scheduler   gateway.Scheduler
	Locker      lock.Locker
	Commission  CommissionResolver
	Idempotency IdempotencyGuard
	Observer    Observer
}

type Settings struct {
	GatewayTimeout time.Duration
	LockWait       time.Duration
	Policy         machine.ExpirationPolicy
	// OfferWindow is how long the awaited party has to respond to a
	// submitted offer.
	OfferWindow  time.Duration
	ReminderLead time.Duration
	Now          func() time.Time
}

func (s Settings) withDefaults() Settings {
	if s.GatewayTimeout <= 0 {
		s.GatewayTimeout = 10 * time.Second
	}
	if s.LockWait <= 0 {
		s.LockWait = 30 * time.Second
	}
	if s.Policy == nil {
		s.Policy = machine.DefaultExpirationPolicy()
	}
	if s.OfferWindow <= 0 {
		s.OfferWindow = 72 * time.Hour
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// saga is the shared core of OrderService, OfferService and FollowUpService.
// Every transition runs under the per-order lock on a clone of the stored
// order, and the clone is saved only after external effects succeeded or
// were compensated.
type saga struct {
	Deps
	cfg Settings
}

func newSaga(deps Deps, cfg Settings) *saga {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &saga{Deps: deps, cfg: cfg.withDefaults()}
}

func (s *saga) now() time.Time { return s.cfg.Now().UTC() }

// run locks orderID, loads it and hands a clone to step. Waiting for the lock
// honours ctx; once the lock is held the step runs to completion even if the
// caller goes away.
func (s *saga) run(ctx context.Context, orderID string, step func(ctx context.Context, o *entity.Order) error) (*entity.Order, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	release, err := s.Locker.Lock(lockCtx, orderID)
	cancel()
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	stored, err := s.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o := stored.Clone()
	if err := step(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// call bounds one gateway call by the configured timeout.
func call[T any](s *saga, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *saga) do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *saga) checkpoint(name string, o *entity.Order, tags ...string) {
	m := map[string]string{"order_id": o.ID, "state": string(o.State)}
	for i := 0; i+1 < len(tags); i += 2 {
		m[tags[i]] = tags[i+1]
	}
	s.Observer.OnEvent(name, m)
}

func requireRole(o *entity.Order, actor Actor, role entity.Role) error {
	r, ok := o.RoleOf(actor.Party)
	if !ok {
		return entity.NewValidationError(entity.CodeNotParticipant)
	}
	if r != role {
		return entity.NewValidationError(entity.CodeNotParticipant).With("required_role", role)
	}
	return nil
}

// catalogItem fetches the item behind the order's first line.
func (s *saga) catalogItem(ctx context.Context, o *entity.Order) (*gateway.CatalogItem, error) {
	if len(o.LineItems) == 0 {
		return nil, entity.NewValidationError(entity.CodeUnknownArtwork)
	}
	return s.item(ctx, o.LineItems[0].CatalogItemID)
}

func (s *saga) item(ctx context.Context, id string) (*gateway.CatalogItem, error) {
	item, err := call(s, ctx, func(ctx context.Context) (*gateway.CatalogItem, error) {
		return s.Catalog.Item(ctx, id)
	})
	if errors.Is(err, entity.ErrNotFound) {
		return nil, entity.NewValidationError(entity.CodeUnknownArtwork).With("artwork_id", id)
	}
	if err != nil {
		return nil, &entity.ProcessingError{Code: entity.CodeCatalogFailure, Err: err}
	}
	return item, nil
}

// checkVersion fails with artwork_version_mismatch when the catalog item
// changed since the order was created.
func checkVersion(o *entity.Order, item *gateway.CatalogItem) error {
	for _, li := range o.LineItems {
		if li.CatalogItemID == item.ID && li.VersionID != item.VersionID {
			return entity.NewValidationError(entity.CodeArtworkVersionMismatch).
				With("artwork_id", item.ID).
				With("version_id", li.VersionID)
		}
	}
	return nil
}

// quote returns the shipping fee and the tax owed on itemAmount shipped to
// the order's destination.
func (s *saga) quote(ctx context.Context, o *entity.Order, item *gateway.CatalogItem, itemAmount int64) (shipping, tax int64, err error) {
	shipping, err = ledger.ShippingQuote(ledger.ShippingRates{
		OriginCountry:              item.Location.Country,
		DomesticShippingCents:      item.DomesticShippingCents,
		InternationalShippingCents: item.InternationalShippingCents,
	}, o.FulfillmentType, o.ShippingAddress)
	if err != nil {
		return 0, 0, err
	}

	dest := item.Location
	if o.FulfillmentType == entity.FulfillmentShip {
		dest = *o.ShippingAddress
	}
	quantity := 0
	for _, li := range o.LineItems {
		quantity += li.Quantity
	}
	req := gateway.TaxRequest{
		ItemAmountCents: itemAmount,
		UnitPriceCents:  o.LineItems[0].ListPriceCents,
		Quantity:        quantity,
		Origin:          item.Location,
		Destination:     dest,
		ShippingCents:   shipping,
	}
	tax, err = call(s, ctx, func(ctx context.Context) (int64, error) {
		return s.Tax.ComputeTax(ctx, req)
	})
	if err != nil {
		return 0, 0, &entity.ProcessingError{Code: entity.CodeTaxCalculatorFailure, Err: err}
	}
	return shipping, tax, nil
}

func (s *saga) commissionRate(ctx context.Context, o *entity.Order) (decimal.Decimal, error) {
	rate, err := call(s, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return s.Commission.Rate(ctx, o.Seller.PartyID())
	})
	if err != nil {
		return decimal.Decimal{}, &entity.ProcessingError{Code: entity.CodeCommissionRateFailure, Err: err}
	}
	return rate, nil
}

func ledgerLines(o *entity.Order) []ledger.Line {
	lines := make([]ledger.Line, len(o.LineItems))
	for i, li := range o.LineItems {
		lines[i] = ledger.Line{UnitPriceCents: li.ListPriceCents, Quantity: li.Quantity}
	}
	return lines
}

// applyTotals copies a computed snapshot onto the order. The transaction fee
// and seller payout are only known after capture and stay nil until final.
func applyTotals(o *entity.Order, t ledger.Totals, lineTax []int64, final bool) {
	o.ItemsTotalCents = entity.Int64(t.ItemsTotalCents)
	o.ShippingTotalCents = entity.Int64(t.ShippingTotalCents)
	o.TaxTotalCents = entity.Int64(t.TaxTotalCents)
	o.BuyerTotalCents = entity.Int64(t.BuyerTotalCents)
	o.CommissionRate = decimal.NewNullDecimal(t.CommissionRate)
	o.CommissionFeeCents = entity.Int64(t.CommissionFeeCents)
	o.TransactionFeeCents, o.SellerTotalCents = nil, nil
	if final {
		o.TransactionFeeCents = entity.Int64(t.TransactionFeeCents)
		o.SellerTotalCents = entity.Int64(t.SellerTotalCents)
	}
	if len(t.LineCommissionCents) == len(o.LineItems) {
		for i := range o.LineItems {
			o.LineItems[i].CommissionFeeCents = entity.Int64(t.LineCommissionCents[i])
		}
	}
	for i := range o.LineItems {
		if i < len(lineTax) {
			o.LineItems[i].SalesTaxCents = entity.Int64(lineTax[i])
		}
	}
}

// snapshot rebuilds ledger totals from the order's committed fields.
func snapshot(o *entity.Order) ledger.Totals {
	return ledger.Totals{
		ItemsTotalCents:     entity.Cents(o.ItemsTotalCents),
		ShippingTotalCents:  entity.Cents(o.ShippingTotalCents),
		TaxTotalCents:       entity.Cents(o.TaxTotalCents),
		BuyerTotalCents:     entity.Cents(o.BuyerTotalCents),
		CommissionRate:      o.CommissionRate.Decimal,
		CommissionFeeCents:  entity.Cents(o.CommissionFeeCents),
		TransactionFeeCents: entity.Cents(o.TransactionFeeCents),
		SellerTotalCents:    entity.Cents(o.SellerTotalCents),
	}
}

// reserve deducts stock for every line. If any line fails, lines already
// reserved are released before returning.
func (s *saga) reserve(ctx context.Context, o *entity.Order) error {
	for i, li := range o.LineItems {
		err := s.do(ctx, func(ctx context.Context) error {
			return s.Inventory.Reserve(ctx, li.CatalogItemID, li.Quantity)
		})
		if err == nil {
			continue
		}
		s.release(ctx, o, o.LineItems[:i])
		if errors.Is(err, gateway.ErrInsufficientStock) {
			return &entity.InsufficientInventoryError{ItemID: li.CatalogItemID, Quantity: li.Quantity}
		}
		return &entity.ProcessingError{Code: entity.CodeInventoryFailure, Err: err}
	}
	s.checkpoint(CheckpointReserved, o)
	return nil
}

// release is best-effort: failures are logged, never returned.
func (s *saga) release(ctx context.Context, o *entity.Order, lines []entity.LineItem) {
	for _, li := range lines {
		err := s.do(ctx, func(ctx context.Context) error {
			return s.Inventory.Release(ctx, li.CatalogItemID, li.Quantity)
		})
		if err != nil {
			logger.Error().Err(err).Str("order_id", o.ID).Str("artwork_id", li.CatalogItemID).Msg("failed to release inventory")
			continue
		}
		s.checkpoint(CheckpointCompensated, o, "step", "release", "artwork_id", li.CatalogItemID)
	}
}

// transaction records the outcome of one payment call. A transport error or
// timeout is recorded as a failure.
func (s *saga) transaction(o *entity.Order, typ entity.TransactionType, amount int64, res gateway.PaymentResult, callErr error) entity.Transaction {
	tx := entity.Transaction{
		ID:          entity.NewID(),
		OrderID:     o.ID,
		Type:        typ,
		ExternalID:  res.ExternalID,
		SourceID:    o.PaymentMethodID,
		AmountCents: amount,
		CreatedAt:   s.now(),
	}
	switch {
	case callErr != nil:
		tx.Status = entity.TransactionFailure
		tx.FailureCode = "processing_error"
		tx.FailureMessage = callErr.Error()
	case res.Status == gateway.PaymentSucceeded:
		tx.Status = entity.TransactionSuccess
		tx.ProcessingFee = res.FeeCents
	case res.Status == gateway.PaymentRequiresAction:
		tx.Status = entity.TransactionRequiresAction
	default:
		tx.Status = entity.TransactionFailure
		tx.FailureCode = res.FailureCode
		tx.FailureMessage = res.FailureMessage
		tx.DeclineCode = res.DeclineCode
	}
	if tx.ExternalID == "" && typ != entity.TransactionHold {
		tx.ExternalID = o.ExternalChargeID
	}
	return tx
}

// voidCharge refunds a hold or capture as a compensation step and returns
// the refund transaction.
func (s *saga) voidCharge(ctx context.Context, o *entity.Order, externalID string, amount int64) entity.Transaction {
	res, err := call(s, ctx, func(ctx context.Context) (gateway.PaymentResult, error) {
		return s.Payment.Refund(ctx, externalID)
	})
	tx := s.transaction(o, entity.TransactionRefund, amount, res, err)
	tx.ExternalID = externalID
	if tx.Status != entity.TransactionSuccess {
		logger.Error().Err(err).Str("order_id", o.ID).Str("external_id", externalID).Str("failure_code", tx.FailureCode).Msg("failed to void charge during compensation")
		return tx
	}
	s.checkpoint(CheckpointCompensated, o, "step", "void_charge")
	return tx
}

// failPayment persists a failed payment transaction without changing state
// and returns the typed error the caller should see.
func (s *saga) failPayment(ctx context.Context, o *entity.Order, tx entity.Transaction, code string, callErr error) error {
	o.Transactions = append(o.Transactions, tx)
	return s.paymentError(ctx, o, tx, code, callErr)
}

// paymentError saves transactions already appended to o and reports tx.
func (s *saga) paymentError(ctx context.Context, o *entity.Order, tx entity.Transaction, code string, callErr error) error {
	if err := s.Store.Save(ctx, o); err != nil {
		logger.Error().Err(err).Str("order_id", o.ID).Str("transaction_id", tx.ID).Msg("failed to record payment transaction")
	}
	if callErr != nil {
		return &entity.ProcessingError{Code: entity.CodePaymentGatewayFailure, Transaction: &tx, Err: callErr}
	}
	return &entity.FailedTransactionError{Code: code, Transaction: tx}
}

// chargeSucceeded reports whether money is currently held or captured for
// the order.
func chargeSucceeded(o *entity.Order) bool {
	if o.ExternalChargeID == "" {
		return false
	}
	charged := false
	for _, tx := range o.Transactions {
		if tx.ExternalID != o.ExternalChargeID || tx.Status != entity.TransactionSuccess {
			continue
		}
		switch tx.Type {
		case entity.TransactionHold, entity.TransactionConfirm, entity.TransactionCapture:
			charged = true
		case entity.TransactionRefund:
			charged = false
		}
	}
	return charged
}

// inventoryHeld reports whether stock is currently deducted for the order.
// Buy orders reserve on submission, Offer orders on acceptance.
func inventoryHeld(o *entity.Order) bool {
	switch o.State {
	case entity.StateApproved, entity.StateFulfilled:
		return true
	case entity.StateSubmitted:
		return o.Mode == entity.ModeBuy
	}
	return false
}

// persist saves a committed transition. After irreversible effects (a
// refund) a save failure is retried before giving up.
func (s *saga) persist(ctx context.Context, o *entity.Order, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Store.Save(ctx, o); err == nil {
			s.checkpoint(CheckpointCommitted, o)
			return nil
		}
		if errors.Is(err, entity.ErrConcurrentUpdate) {
			break
		}
		logger.Warn().Err(err).Str("order_id", o.ID).Int("attempt", i+1).Msg("failed to save order")
	}
	return &entity.ProcessingError{Code: entity.CodePersistFailed, Err: err}
}

func (s *saga) publish(ctx context.Context, typ string, o *entity.Order, actor Actor, offerID string) {
	ev := gateway.Event{
		Type:       typ,
		OrderID:    o.ID,
		OfferID:    offerID,
		ActorID:    actor.UserID,
		State:      o.State,
		Reason:     string(o.StateReason),
		OccurredAt: s.now(),
	}
	err := s.do(ctx, func(ctx context.Context) error {
		return s.Events.Publish(ctx, ev)
	})
	if err != nil {
		logger.Error().Err(err).Str("order_id", o.ID).Str("event", typ).Msg("failed to publish order event")
	}
}

func (s *saga) schedule(ctx context.Context, at time.Time, cb gateway.Callback) {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.Scheduler.ScheduleAt(ctx, at, cb)
	})
	if err != nil {
		logger.Error().Err(err).Str("order_id", cb.OrderID).Str("kind", string(cb.Kind)).Msg("failed to schedule callback")
	}
}

// scheduleExpiration enqueues the expire callback for the order's current
// state and a reminder ReminderLead before it.
func (s *saga) scheduleExpiration(ctx context.Context, o *entity.Order, reminder gateway.CallbackKind, offerID string) {
	if o.StateExpiresAt.IsZero() {
		return
	}
	s.schedule(ctx, o.StateExpiresAt, gateway.Callback{Kind: gateway.CallbackExpire, OrderID: o.ID, ExpectedState: o.State})
	if reminder == "" || s.cfg.ReminderLead <= 0 {
		return
	}
	at := o.StateExpiresAt.Add(-s.cfg.ReminderLead)
	if at.After(s.now()) {
		s.schedule(ctx, at, gateway.Callback{Kind: reminder, OrderID: o.ID, OfferID: offerID, ExpectedState: o.State})
	}
}
