package service

import (
	"context"
	"errors"

	"order-exchange/internal/entity"
	"order-exchange/internal/gateway"
	"order-exchange/internal/ledger"
	"order-exchange/internal/machine"
)

// OrderService drives order transitions end to end: it validates the
// request against the state machine, calls inventory and payment, and
// commits the new state only once those effects succeeded or were undone.
type OrderService struct {
	*saga
}

// NewOrderService creates a new instance of OrderService
func NewOrderService(deps Deps, cfg Settings) *OrderService {
	return &OrderService{saga: newSaga(deps, cfg)}
}

type CreateRequest struct {
	ItemID         string
	EditionSetID   string
	Quantity       int
	Mode           entity.Mode
	IdempotencyKey string
}

type ShippingRequest struct {
	FulfillmentType entity.FulfillmentType
	Address         *entity.Address
}

type FulfillmentRequest struct {
	Courier           string
	TrackingID        string
	EstimatedDelivery string
	Notes             string
}

// Create opens a Pending order for one catalog item on behalf of the buyer.
func (s *OrderService) Create(ctx context.Context, actor Actor, req CreateRequest) (*entity.Order, error) {
	if actor.Party == nil {
		return nil, entity.NewValidationError(entity.CodeNotParticipant)
	}
	if req.Quantity <= 0 {
		return nil, entity.NewValidationError(entity.CodeInvalidQuantity)
	}
	if req.Mode != entity.ModeBuy && req.Mode != entity.ModeOffer {
		return nil, entity.NewValidationError(entity.CodeInvalidMode).With("mode", req.Mode)
	}

	if req.IdempotencyKey != "" && s.Idempotency != nil {
		fresh, err := s.Idempotency.Claim(ctx, req.IdempotencyKey)
		if err != nil {
			logger.Error().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("Error validating idempotency key")
			return nil, err
		}
		if !fresh {
			return nil, entity.NewValidationError(entity.CodeDuplicateRequest)
		}
	}

	item, err := s.item(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	switch {
	case !item.Published:
		return nil, entity.NewValidationError(entity.CodeUnpublishedArtwork)
	case req.Mode == entity.ModeBuy && !item.Acquireable:
		return nil, entity.NewValidationError(entity.CodeNotAcquireable)
	case req.Mode == entity.ModeOffer && !item.Offerable:
		return nil, entity.NewValidationError(entity.CodeNotOfferable)
	}

	price, currency := item.PriceCents, item.Currency
	if req.EditionSetID != "" {
		found := false
		for _, es := range item.EditionSets {
			if es.ID == req.EditionSetID {
				price, currency, found = es.PriceCents, es.Currency, true
				break
			}
		}
		if !found {
			return nil, entity.NewValidationError(entity.CodeUnknownArtwork).With("edition_set_id", req.EditionSetID)
		}
	}
	if price <= 0 {
		return nil, entity.NewValidationError(entity.CodeMissingPrice)
	}
	if currency == "" {
		return nil, entity.NewValidationError(entity.CodeMissingCurrency)
	}

	o := &entity.Order{
		ID:           entity.NewID(),
		Code:         entity.NewOrderCode(),
		Buyer:        actor.Party,
		Seller:       entity.Partner{ID: item.PartnerID},
		Mode:         req.Mode,
		CurrencyCode: currency,
	}
	o.LineItems = []entity.LineItem{{
		ID:             entity.NewID(),
		OrderID:        o.ID,
		CatalogItemID:  item.ID,
		VersionID:      item.VersionID,
		EditionSetID:   req.EditionSetID,
		ListPriceCents: price,
		Quantity:       req.Quantity,
	}}
	if o.Mode == entity.ModeBuy {
		o.ItemsTotalCents = entity.Int64(o.LineItems[0].TotalListPriceCents())
	}
	machine.Start(o, s.cfg.Policy, s.now())

	if err := s.Store.Create(ctx, o); err != nil {
		logger.Error().Err(err).Str("order_id", o.ID).Msg("Error creating order")
		return nil, &entity.ProcessingError{Code: entity.CodePersistFailed, Err: err}
	}

	s.scheduleExpiration(ctx, o, gateway.CallbackReminder, "")
	s.publish(ctx, "order.created", o, actor, "")
	return o, nil
}

// Get returns the order if actor is one of its parties.
func (s *OrderService) Get(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := o.RoleOf(actor.Party); !ok {
		return nil, entity.NewValidationError(entity.CodeNotParticipant)
	}
	return o, nil
}

// SetShipping records the fulfillment choice and refreshes the provisional
// shipping and tax figures.
func (s *OrderService) SetShipping(ctx context.Context, actor Actor, id string, req ShippingRequest) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		if err := requireRole(o, actor, entity.RoleBuyer); err != nil {
			return err
		}
		if o.State != entity.StatePending {
			return entity.NewValidationError(entity.CodeInvalidState).With("state", o.State)
		}

		switch req.FulfillmentType {
		case entity.FulfillmentPickup:
			o.ShippingAddress = nil
		case entity.FulfillmentShip:
			if req.Address == nil || req.Address.Country == "" {
				return entity.NewValidationError(entity.CodeMissingCountry)
			}
			addr := *req.Address
			o.ShippingAddress = &addr
		default:
			return entity.NewValidationError(entity.CodeInvalidFulfillmentType)
		}
		o.FulfillmentType = req.FulfillmentType

		item, err := s.catalogItem(ctx, o)
		if err != nil {
			return err
		}
		switch o.Mode {
		case entity.ModeBuy:
			items := int64(0)
			for _, li := range o.LineItems {
				items += li.TotalListPriceCents()
			}
			shipping, tax, err := s.quote(ctx, o, item, items)
			if err != nil {
				return err
			}
			o.ItemsTotalCents = entity.Int64(items)
			o.ShippingTotalCents = entity.Int64(shipping)
			o.TaxTotalCents = entity.Int64(tax)
			o.BuyerTotalCents = entity.Int64(items + shipping + tax)
			o.LineItems[0].SalesTaxCents = entity.Int64(tax)
		case entity.ModeOffer:
			if of, ok := o.PendingOffer(); ok {
				shipping, tax, err := s.quote(ctx, o, item, of.AmountCents)
				if err != nil {
					return err
				}
				of.ShippingTotalCents = entity.Int64(shipping)
				of.TaxTotalCents = entity.Int64(tax)
			}
		}
		return s.Store.Save(ctx, o)
	})
}

func (s *OrderService) SetPayment(ctx context.Context, actor Actor, id, paymentMethodID string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		if err := requireRole(o, actor, entity.RoleBuyer); err != nil {
			return err
		}
		if o.State != entity.StatePending {
			return entity.NewValidationError(entity.CodeInvalidState).With("state", o.State)
		}
		if paymentMethodID == "" {
			return entity.NewValidationError(entity.CodeInvalidPaymentMethod)
		}
		o.PaymentMethodID = paymentMethodID
		return s.Store.Save(ctx, o)
	})
}

// Submit freezes the totals of a Buy order, reserves inventory and holds the
// buyer total.
func (s *OrderService) Submit(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		t, err := s.checkSubmit(o, actor)
		if err != nil {
			return err
		}
		totals, lineTax, err := s.freezeTotals(ctx, o)
		if err != nil {
			return err
		}
		req := gateway.HoldRequest{
			OrderID:         o.ID,
			AmountCents:     totals.BuyerTotalCents,
			Currency:        o.CurrencyCode,
			PaymentMethodID: o.PaymentMethodID,
			Description:     "order " + o.Code,
		}
		return s.authorize(ctx, o, actor, t, totals, lineTax, entity.TransactionHold, func(ctx context.Context) (gateway.PaymentResult, error) {
			return s.Payment.Hold(ctx, req)
		})
	})
}

// ConfirmPayment resumes a submission whose hold required client action.
func (s *OrderService) ConfirmPayment(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		t, err := s.checkSubmit(o, actor)
		if err != nil {
			return err
		}
		if !awaitingAction(o) {
			return entity.NewValidationError(entity.CodeNoPaymentToResume)
		}
		totals, lineTax, err := s.freezeTotals(ctx, o)
		if err != nil {
			return err
		}
		chargeID := o.ExternalChargeID
		return s.authorize(ctx, o, actor, t, totals, lineTax, entity.TransactionConfirm, func(ctx context.Context) (gateway.PaymentResult, error) {
			return s.Payment.Confirm(ctx, chargeID)
		})
	})
}

func (s *OrderService) checkSubmit(o *entity.Order, actor Actor) (machine.Transition, error) {
	if err := requireRole(o, actor, entity.RoleBuyer); err != nil {
		return machine.Transition{}, err
	}
	t, err := machine.Next(o.State, machine.EventSubmit)
	if err != nil {
		return machine.Transition{}, err
	}
	if o.Mode != entity.ModeBuy {
		return machine.Transition{}, entity.NewValidationError(entity.CodeCantSubmit).With("mode", o.Mode)
	}
	if !o.ShippingInfo() {
		return machine.Transition{}, entity.NewValidationError(entity.CodeMissingRequiredInfo).With("field", "shipping")
	}
	if o.PaymentMethodID == "" {
		return machine.Transition{}, entity.NewValidationError(entity.CodeInvalidPaymentMethod)
	}
	return t, nil
}

// awaitingAction reports whether the latest payment call on the current
// charge asked for client action.
func awaitingAction(o *entity.Order) bool {
	_, ok := actionTransaction(o)
	return ok
}

func actionTransaction(o *entity.Order) (entity.Transaction, bool) {
	if o.ExternalChargeID == "" {
		return entity.Transaction{}, false
	}
	for i := len(o.Transactions) - 1; i >= 0; i-- {
		tx := o.Transactions[i]
		if tx.ExternalID == o.ExternalChargeID {
			return tx, tx.Status == entity.TransactionRequiresAction
		}
	}
	return entity.Transaction{}, false
}

// freezeTotals checks the catalog item is unchanged and computes the
// snapshot with the seller's current commission rate.
func (s *OrderService) freezeTotals(ctx context.Context, o *entity.Order) (ledger.Totals, []int64, error) {
	item, err := s.catalogItem(ctx, o)
	if err != nil {
		return ledger.Totals{}, nil, err
	}
	if err := checkVersion(o, item); err != nil {
		return ledger.Totals{}, nil, err
	}
	if !item.Acquireable {
		return ledger.Totals{}, nil, entity.NewValidationError(entity.CodeNotAcquireable)
	}
	rate, err := s.commissionRate(ctx, o)
	if err != nil {
		return ledger.Totals{}, nil, err
	}
	lines := ledgerLines(o)
	items := int64(0)
	for _, l := range lines {
		items += l.TotalCents()
	}
	shipping, tax, err := s.quote(ctx, o, item, items)
	if err != nil {
		return ledger.Totals{}, nil, err
	}
	totals, err := ledger.Compute(ledger.Input{
		Lines:              lines,
		ShippingTotalCents: shipping,
		TaxTotalCents:      tax,
		CommissionRate:     rate,
	})
	if err != nil {
		return ledger.Totals{}, nil, &entity.ProcessingError{Code: entity.CodeInvalidTotals, Err: err}
	}
	return totals, []int64{tax}, nil
}

// authorize reserves inventory, runs the payment call and commits the
// Submitted state. Every failure after the reservation releases it.
func (s *OrderService) authorize(ctx context.Context, o *entity.Order, actor Actor, t machine.Transition, totals ledger.Totals, lineTax []int64, typ entity.TransactionType, pay func(ctx context.Context) (gateway.PaymentResult, error)) error {
	if err := s.reserve(ctx, o); err != nil {
		return err
	}

	res, callErr := call(s.saga, ctx, pay)
	tx := s.transaction(o, typ, totals.BuyerTotalCents, res, callErr)
	switch tx.Status {
	case entity.TransactionSuccess:
		s.checkpoint(CheckpointHeld, o, "external_id", tx.ExternalID)
	case entity.TransactionRequiresAction:
		s.release(ctx, o, o.LineItems)
		o.ExternalChargeID = tx.ExternalID
		o.Transactions = append(o.Transactions, tx)
		if err := s.Store.Save(ctx, o); err != nil {
			logger.Error().Err(err).Str("order_id", o.ID).Msg("failed to store payment reference")
		}
		return &entity.PaymentRequiresActionError{ExternalID: tx.ExternalID, ActionData: res.ActionData}
	default:
		s.release(ctx, o, o.LineItems)
		return s.failPayment(ctx, o, tx, entity.CodeChargeAuthorization, callErr)
	}

	o.ExternalChargeID = tx.ExternalID
	o.Transactions = append(o.Transactions, tx)
	applyTotals(o, totals, lineTax, false)
	machine.Apply(o, t, s.cfg.Policy, s.now())

	if err := s.persist(ctx, o, 1); err != nil {
		s.voidCharge(ctx, o, tx.ExternalID, tx.AmountCents)
		s.release(ctx, o, o.LineItems)
		return err
	}

	s.scheduleExpiration(ctx, o, gateway.CallbackReminder, "")
	s.publish(ctx, "order.submitted", o, actor, "")
	return nil
}

// Approve captures the held payment of a Buy order. A failed capture is
// recorded and leaves the order Submitted so the seller can retry.
func (s *OrderService) Approve(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		if err := requireRole(o, actor, entity.RoleSeller); err != nil {
			return err
		}
		t, err := machine.Next(o.State, machine.EventApprove)
		if err != nil {
			return err
		}
		if o.Mode != entity.ModeBuy {
			return entity.NewValidationError(entity.CodeInvalidState).With("mode", o.Mode)
		}
		if o.ExternalChargeID == "" {
			return entity.NewValidationError(entity.CodeMissingPaymentReference)
		}
		if !chargeSucceeded(o) {
			// a rejected capture was refunded; the order can only be canceled now
			return entity.NewValidationError(entity.CodeChargeVoided).With("external_id", o.ExternalChargeID)
		}

		chargeID := o.ExternalChargeID
		res, callErr := call(s.saga, ctx, func(ctx context.Context) (gateway.PaymentResult, error) {
			return s.Payment.Capture(ctx, chargeID)
		})
		tx := s.transaction(o, entity.TransactionCapture, entity.Cents(o.BuyerTotalCents), res, callErr)
		if tx.Status != entity.TransactionSuccess {
			return s.failPayment(ctx, o, tx, entity.CodeCaptureFailed, callErr)
		}
		s.checkpoint(CheckpointCaptured, o, "external_id", tx.ExternalID)
		o.Transactions = append(o.Transactions, tx)
		return s.finishApproval(ctx, o, actor, t, snapshot(o), tx)
	})
}

// finishApproval stores the processing fee reported by the capture and
// commits Approved. The capture has already moved money, so a failing save
// is retried and then reported for reconciliation rather than undone.
func (s *saga) finishApproval(ctx context.Context, o *entity.Order, actor Actor, t machine.Transition, totals ledger.Totals, capture entity.Transaction) error {
	final, err := ledger.WithTransactionFee(totals, capture.ProcessingFee)
	if err != nil {
		// a fee above the buyer total is a malformed gateway response
		refund := s.voidCharge(ctx, o, capture.ExternalID, capture.AmountCents)
		o.Transactions = append(o.Transactions, refund)
		if o.Mode == entity.ModeOffer {
			s.release(ctx, o, o.LineItems)
		}
		if serr := s.Store.Save(ctx, o); serr != nil {
			logger.Error().Err(serr).Str("order_id", o.ID).Msg("failed to record voided capture")
		}
		return &entity.ProcessingError{Code: entity.CodePaymentGatewayFailure, Transaction: &capture, Err: err}
	}

	applyTotals(o, final, nil, true)
	machine.Apply(o, t, s.cfg.Policy, s.now())
	if err := s.persist(ctx, o, 3); err != nil {
		logger.Error().Err(err).Str("order_id", o.ID).Str("external_id", capture.ExternalID).Msg("captured payment but could not commit approval")
		var perr *entity.ProcessingError
		if errors.As(err, &perr) {
			perr.Transaction = &capture
		}
		return err
	}

	s.schedule(ctx, s.now(), gateway.Callback{Kind: gateway.CallbackRecordTax, OrderID: o.ID, ExpectedState: entity.StateApproved})
	s.publish(ctx, "order.approved", o, actor, o.LastOfferID)
	return nil
}

// Reject is the seller declining a submitted order.
func (s *OrderService) Reject(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		if err := requireRole(o, actor, entity.RoleSeller); err != nil {
			return err
		}
		return s.cancel(ctx, o, actor, machine.EventReject)
	})
}

func (s *OrderService) BuyerCancel(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		if err := requireRole(o, actor, entity.RoleBuyer); err != nil {
			return err
		}
		return s.cancel(ctx, o, actor, machine.EventBuyerCancel)
	})
}

// SellerLapse cancels a Submitted order the seller never answered.
func (s *OrderService) SellerLapse(ctx context.Context, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		return s.cancel(ctx, o, Actor{}, machine.EventSellerLapse)
	})
}

// Refund and Return are operator actions; the API restricts them to admins.
func (s *OrderService) Refund(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		return s.cancel(ctx, o, actor, machine.EventRefund)
	})
}

func (s *OrderService) Return(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		return s.cancel(ctx, o, actor, machine.EventReturn)
	})
}

// cancel refunds first and releases inventory second. A failed refund
// blocks the transition: the failed Transaction is recorded and the state is
// left as it was.
func (s *saga) cancel(ctx context.Context, o *entity.Order, actor Actor, event machine.Event) error {
	t, err := machine.Next(o.State, event)
	if err != nil {
		return err
	}
	captured := o.State == entity.StateApproved || o.State == entity.StateFulfilled
	releaseStock := inventoryHeld(o)

	refunded := false
	if chargeSucceeded(o) {
		chargeID := o.ExternalChargeID
		res, callErr := call(s, ctx, func(ctx context.Context) (gateway.PaymentResult, error) {
			return s.Payment.Refund(ctx, chargeID)
		})
		tx := s.transaction(o, entity.TransactionRefund, entity.Cents(o.BuyerTotalCents), res, callErr)
		o.Transactions = append(o.Transactions, tx)
		if tx.Status != entity.TransactionSuccess {
			if err := s.Store.Save(ctx, o); err != nil {
				logger.Error().Err(err).Str("order_id", o.ID).Msg("failed to record refund transaction")
			}
			logger.Error().Err(callErr).Str("order_id", o.ID).Str("failure_code", tx.FailureCode).Msg("refund failed, order left unchanged")
			return &entity.ProcessingError{Code: entity.CodeRefundFailed, Message: tx.FailureMessage, Transaction: &tx, Err: callErr}
		}
		refunded = true
		s.checkpoint(CheckpointRefunded, o, "external_id", chargeID)
	}

	if releaseStock {
		s.release(ctx, o, o.LineItems)
	}

	machine.Apply(o, t, s.cfg.Policy, s.now())
	if err := s.persist(ctx, o, 3); err != nil {
		logger.Error().Err(err).Str("order_id", o.ID).Bool("refunded", refunded).Msg("could not commit cancellation")
		return err
	}

	if refunded && captured {
		s.schedule(ctx, s.now(), gateway.Callback{Kind: gateway.CallbackRefundTax, OrderID: o.ID, ExpectedState: o.State})
	}
	s.publish(ctx, eventFor(o.State), o, actor, "")
	return nil
}

// Abandon closes a Pending order the buyer never submitted.
func (s *OrderService) Abandon(ctx context.Context, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		return s.abandon(ctx, o)
	})
}

func (s *saga) abandon(ctx context.Context, o *entity.Order) error {
	t, err := machine.Next(o.State, machine.EventAbandon)
	if err != nil {
		return err
	}
	machine.Apply(o, t, s.cfg.Policy, s.now())
	if err := s.persist(ctx, o, 1); err != nil {
		return err
	}
	s.publish(ctx, eventFor(o.State), o, Actor{}, "")
	return nil
}

// Expire fires the expiration transition of expected. It is a no-op when the
// order already left that state or its deadline was pushed back.
func (s *OrderService) Expire(ctx context.Context, id string, expected entity.OrderState) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		if o.State != expected || s.now().Before(o.StateExpiresAt) {
			return nil
		}
		ev, ok := machine.ExpireEvent(o.State)
		if !ok {
			return nil
		}
		if ev == machine.EventAbandon {
			return s.abandon(ctx, o)
		}
		return s.cancel(ctx, o, Actor{}, ev)
	})
}

// FulfillAtOnce ships every line item under one Fulfillment.
func (s *OrderService) FulfillAtOnce(ctx context.Context, actor Actor, id string, req FulfillmentRequest) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		t, err := s.checkFulfill(o, actor, entity.FulfillmentShip)
		if err != nil {
			return err
		}
		f := &entity.Fulfillment{
			ID:                entity.NewID(),
			Courier:           req.Courier,
			TrackingID:        req.TrackingID,
			EstimatedDelivery: req.EstimatedDelivery,
			Notes:             req.Notes,
			CreatedAt:         s.now(),
		}
		o.Fulfillment = f
		for i := range o.LineItems {
			o.LineItems[i].FulfillmentID = f.ID
		}
		return s.fulfill(ctx, o, actor, t)
	})
}

func (s *OrderService) ConfirmPickup(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		t, err := s.checkFulfill(o, actor, entity.FulfillmentPickup)
		if err != nil {
			return err
		}
		return s.fulfill(ctx, o, actor, t)
	})
}

// ConfirmFulfillment marks a shipped order fulfilled without tracking
// details.
func (s *OrderService) ConfirmFulfillment(ctx context.Context, actor Actor, id string) (*entity.Order, error) {
	return s.run(ctx, id, func(ctx context.Context, o *entity.Order) error {
		t, err := s.checkFulfill(o, actor, entity.FulfillmentShip)
		if err != nil {
			return err
		}
		return s.fulfill(ctx, o, actor, t)
	})
}

func (s *OrderService) checkFulfill(o *entity.Order, actor Actor, want entity.FulfillmentType) (machine.Transition, error) {
	if err := requireRole(o, actor, entity.RoleSeller); err != nil {
		return machine.Transition{}, err
	}
	t, err := machine.Next(o.State, machine.EventFulfill)
	if err != nil {
		return machine.Transition{}, err
	}
	if o.FulfillmentType != want {
		return machine.Transition{}, entity.NewValidationError(entity.CodeWrongFulfillmentType).With("fulfillment_type", o.FulfillmentType)
	}
	return t, nil
}

func (s *OrderService) fulfill(ctx context.Context, o *entity.Order, actor Actor, t machine.Transition) error {
	machine.Apply(o, t, s.cfg.Policy, s.now())
	if err := s.persist(ctx, o, 1); err != nil {
		return err
	}
	s.publish(ctx, eventFor(o.State), o, actor, "")
	return nil
}

func eventFor(state entity.OrderState) string {
	return "order." + string(state)
}
