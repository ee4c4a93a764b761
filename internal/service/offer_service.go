package service

import (
	"context"

	"github.com/shopspring/decimal"

	"order-exchange/internal/entity"
	"order-exchange/internal/gateway"
	"order-exchange/internal/ledger"
	"order-exchange/internal/machine"
)

// OfferService runs the negotiation of Offer-mode orders. Payment is only
// touched when the awaited party accepts the last offer.
type OfferService struct {
	*saga
}

func NewOfferService(deps Deps, cfg Settings) *OfferService {
	return &OfferService{saga: newSaga(deps, cfg)}
}

type OfferRequest struct {
	AmountCents int64
	Note        string
	// RespondsToID is set for counter-offers.
	RespondsToID string
}

// CreatePendingOffer drafts the buyer's opening offer on a Pending order.
func (s *OfferService) CreatePendingOffer(ctx context.Context, actor Actor, orderID string, req OfferRequest) (*entity.Order, *entity.Offer, error) {
	var created *entity.Offer
	o, err := s.run(ctx, orderID, func(ctx context.Context, o *entity.Order) error {
		if err := machine.CanCreate(o, actor.Party, req.AmountCents); err != nil {
			return err
		}
		of, err := s.draft(ctx, o, actor, req.AmountCents, req.Note, "")
		if err != nil {
			return err
		}
		created = of
		return s.Store.Save(ctx, o)
	})
	if err != nil {
		return nil, nil, err
	}
	return o, created, nil
}

// CreatePendingCounterOffer drafts a response to the last submitted offer by
// the party it awaits.
func (s *OfferService) CreatePendingCounterOffer(ctx context.Context, actor Actor, orderID string, req OfferRequest) (*entity.Order, *entity.Offer, error) {
	var created *entity.Offer
	o, err := s.run(ctx, orderID, func(ctx context.Context, o *entity.Order) error {
		respondsTo, ok := o.Offer(req.RespondsToID)
		if !ok {
			return entity.NewValidationError(entity.CodeInvalidOfferForOrder).With("offer_id", req.RespondsToID)
		}
		if err := machine.CanCounter(o, respondsTo, actor.Party, req.AmountCents); err != nil {
			return err
		}
		of, err := s.draft(ctx, o, actor, req.AmountCents, req.Note, respondsTo.ID)
		if err != nil {
			return err
		}
		created = of
		return s.Store.Save(ctx, o)
	})
	if err != nil {
		return nil, nil, err
	}
	return o, created, nil
}

// draft appends an unsubmitted offer. Shipping and tax are quoted when the
// order already carries a fulfillment choice.
func (s *OfferService) draft(ctx context.Context, o *entity.Order, actor Actor, amount int64, note, respondsToID string) (*entity.Offer, error) {
	of := entity.Offer{
		ID:           entity.NewID(),
		OrderID:      o.ID,
		AmountCents:  amount,
		From:         actor.Party,
		CreatorID:    actor.UserID,
		RespondsToID: respondsToID,
		Note:         note,
		CreatedAt:    s.now(),
	}
	if o.ShippingInfo() {
		item, err := s.catalogItem(ctx, o)
		if err != nil {
			return nil, err
		}
		shipping, tax, err := s.quote(ctx, o, item, amount)
		if err != nil {
			return nil, err
		}
		of.ShippingTotalCents = entity.Int64(shipping)
		of.TaxTotalCents = entity.Int64(tax)
	}
	o.Offers = append(o.Offers, of)
	return &o.Offers[len(o.Offers)-1], nil
}

// SubmitOrderWithOffer submits a Pending Offer-mode order together with its
// opening offer. The commission rate is frozen here; no payment is held.
func (s *OfferService) SubmitOrderWithOffer(ctx context.Context, actor Actor, orderID, offerID string) (*entity.Order, error) {
	return s.run(ctx, orderID, func(ctx context.Context, o *entity.Order) error {
		if err := requireRole(o, actor, entity.RoleBuyer); err != nil {
			return err
		}
		t, err := machine.Next(o.State, machine.EventSubmit)
		if err != nil {
			return err
		}
		if o.Mode != entity.ModeOffer {
			return entity.NewValidationError(entity.CodeCantSubmit).With("mode", o.Mode)
		}
		of, ok := o.Offer(offerID)
		if !ok {
			return entity.NewValidationError(entity.CodeInvalidOfferForOrder).With("offer_id", offerID)
		}
		if err := machine.CanSubmit(o, of, actor.Party); err != nil {
			return err
		}
		if of.RespondsToID != "" {
			return entity.NewValidationError(entity.CodeInvalidOfferForOrder).With("offer_id", offerID)
		}
		if !o.ShippingInfo() {
			return entity.NewValidationError(entity.CodeMissingRequiredInfo).With("field", "shipping")
		}
		if o.PaymentMethodID == "" {
			return entity.NewValidationError(entity.CodeInvalidPaymentMethod)
		}

		rate, err := s.commissionRate(ctx, o)
		if err != nil {
			return err
		}
		totals, tax, err := s.priceOffer(ctx, o, of, rate)
		if err != nil {
			return err
		}

		now := s.now()
		of.SubmittedAt = &now
		o.LastOfferID = of.ID
		applyTotals(o, totals, []int64{tax}, false)
		machine.Apply(o, t, s.cfg.Policy, now)
		o.StateExpiresAt = now.Add(s.cfg.OfferWindow)

		if err := s.persist(ctx, o, 1); err != nil {
			return err
		}
		s.scheduleExpiration(ctx, o, gateway.CallbackOfferReminder, of.ID)
		s.publish(ctx, "order.submitted", o, actor, of.ID)
		return nil
	})
}

// SubmitPendingOffer submits a counter-offer. It becomes the last offer and
// restarts the response window.
func (s *OfferService) SubmitPendingOffer(ctx context.Context, actor Actor, orderID, offerID string) (*entity.Order, error) {
	return s.run(ctx, orderID, func(ctx context.Context, o *entity.Order) error {
		of, ok := o.Offer(offerID)
		if !ok {
			return entity.NewValidationError(entity.CodeInvalidOfferForOrder).With("offer_id", offerID)
		}
		if err := machine.CanSubmit(o, of, actor.Party); err != nil {
			return err
		}
		if o.State != entity.StateSubmitted {
			return entity.NewValidationError(entity.CodeInvalidState).With("state", o.State)
		}
		if of.RespondsToID == "" || of.RespondsToID != o.LastOfferID {
			return entity.NewValidationError(entity.CodeNotLastOffer)
		}

		totals, tax, err := s.priceOffer(ctx, o, of, o.CommissionRate.Decimal)
		if err != nil {
			return err
		}

		now := s.now()
		of.SubmittedAt = &now
		o.LastOfferID = of.ID
		applyTotals(o, totals, []int64{tax}, false)
		o.StateExpiresAt = now.Add(s.cfg.OfferWindow)
		o.UpdatedAt = now

		if err := s.persist(ctx, o, 1); err != nil {
			return err
		}
		s.scheduleExpiration(ctx, o, gateway.CallbackOfferReminder, of.ID)
		s.publish(ctx, "offer.submitted", o, actor, of.ID)
		return nil
	})
}

// priceOffer re-quotes shipping and tax for the offer amount and computes the
// provisional totals at rate.
func (s *OfferService) priceOffer(ctx context.Context, o *entity.Order, of *entity.Offer, rate decimal.Decimal) (ledger.Totals, int64, error) {
	item, err := s.catalogItem(ctx, o)
	if err != nil {
		return ledger.Totals{}, 0, err
	}
	if err := checkVersion(o, item); err != nil {
		return ledger.Totals{}, 0, err
	}
	shipping, tax, err := s.quote(ctx, o, item, of.AmountCents)
	if err != nil {
		return ledger.Totals{}, 0, err
	}
	of.ShippingTotalCents = entity.Int64(shipping)
	of.TaxTotalCents = entity.Int64(tax)

	totals, err := offerTotals(o, of, rate)
	if err != nil {
		return ledger.Totals{}, 0, err
	}
	return totals, tax, nil
}

func offerTotals(o *entity.Order, of *entity.Offer, rate decimal.Decimal) (ledger.Totals, error) {
	amount := of.AmountCents
	totals, err := ledger.Compute(ledger.Input{
		Lines:              ledgerLines(o),
		OfferAmountCents:   &amount,
		ShippingTotalCents: entity.Cents(of.ShippingTotalCents),
		TaxTotalCents:      entity.Cents(of.TaxTotalCents),
		CommissionRate:     rate,
	})
	if err != nil {
		return ledger.Totals{}, &entity.ProcessingError{Code: entity.CodeInvalidTotals, Err: err}
	}
	return totals, nil
}

// AcceptOffer approves the order at the last offer's amount: stock is
// reserved, the buyer total is held and immediately captured. Any failure
// undoes the earlier steps and leaves the order Submitted. A hold that needs
// client action keeps its reference for ConfirmOfferPayment.
func (s *OfferService) AcceptOffer(ctx context.Context, actor Actor, orderID, offerID string) (*entity.Order, error) {
	return s.run(ctx, orderID, func(ctx context.Context, o *entity.Order) error {
		of, ok := o.Offer(offerID)
		if !ok {
			return entity.NewValidationError(entity.CodeInvalidOfferForOrder).With("offer_id", offerID)
		}
		if err := machine.CanRespond(o, of, actor.Party); err != nil {
			return err
		}
		t, totals, err := s.checkAccept(ctx, o, of)
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
		return s.charge(ctx, o, of, actor, t, totals, entity.TransactionHold, func(ctx context.Context) (gateway.PaymentResult, error) {
			return s.Payment.Hold(ctx, req)
		})
	})
}

// ConfirmOfferPayment resumes an acceptance whose hold required client
// action. The buyer completes the action, so the buyer confirms.
func (s *OfferService) ConfirmOfferPayment(ctx context.Context, actor Actor, orderID, offerID string) (*entity.Order, error) {
	return s.run(ctx, orderID, func(ctx context.Context, o *entity.Order) error {
		if err := requireRole(o, actor, entity.RoleBuyer); err != nil {
			return err
		}
		of, ok := o.Offer(offerID)
		if !ok {
			return entity.NewValidationError(entity.CodeInvalidOfferForOrder).With("offer_id", offerID)
		}
		if !o.IsLastOffer(of) {
			return entity.NewValidationError(entity.CodeNotLastOffer)
		}
		pending, ok := actionTransaction(o)
		if !ok {
			return entity.NewValidationError(entity.CodeNoPaymentToResume)
		}
		t, totals, err := s.checkAccept(ctx, o, of)
		if err != nil {
			return err
		}
		if pending.AmountCents != totals.BuyerTotalCents {
			// the charge was authorized for an earlier offer
			return entity.NewValidationError(entity.CodeNoPaymentToResume).With("amount_cents", pending.AmountCents)
		}
		chargeID := o.ExternalChargeID
		return s.charge(ctx, o, of, actor, t, totals, entity.TransactionConfirm, func(ctx context.Context) (gateway.PaymentResult, error) {
			return s.Payment.Confirm(ctx, chargeID)
		})
	})
}

func (s *OfferService) checkAccept(ctx context.Context, o *entity.Order, of *entity.Offer) (machine.Transition, ledger.Totals, error) {
	t, err := machine.Next(o.State, machine.EventApprove)
	if err != nil {
		return machine.Transition{}, ledger.Totals{}, err
	}
	if o.PaymentMethodID == "" {
		return machine.Transition{}, ledger.Totals{}, entity.NewValidationError(entity.CodeInvalidPaymentMethod)
	}
	item, err := s.catalogItem(ctx, o)
	if err != nil {
		return machine.Transition{}, ledger.Totals{}, err
	}
	if err := checkVersion(o, item); err != nil {
		return machine.Transition{}, ledger.Totals{}, err
	}
	totals, err := offerTotals(o, of, o.CommissionRate.Decimal)
	if err != nil {
		return machine.Transition{}, ledger.Totals{}, err
	}
	return t, totals, nil
}

// charge reserves stock, authorizes the buyer total through pay and captures
// it, then commits Approved.
func (s *OfferService) charge(ctx context.Context, o *entity.Order, of *entity.Offer, actor Actor, t machine.Transition, totals ledger.Totals, typ entity.TransactionType, pay func(ctx context.Context) (gateway.PaymentResult, error)) error {
	if err := s.reserve(ctx, o); err != nil {
		return err
	}

	res, callErr := call(s.saga, ctx, pay)
	hold := s.transaction(o, typ, totals.BuyerTotalCents, res, callErr)
	switch hold.Status {
	case entity.TransactionSuccess:
		s.checkpoint(CheckpointHeld, o, "external_id", hold.ExternalID)
	case entity.TransactionRequiresAction:
		s.release(ctx, o, o.LineItems)
		o.ExternalChargeID = hold.ExternalID
		o.Transactions = append(o.Transactions, hold)
		if err := s.Store.Save(ctx, o); err != nil {
			logger.Error().Err(err).Str("order_id", o.ID).Msg("failed to store payment reference")
		}
		return &entity.PaymentRequiresActionError{ExternalID: hold.ExternalID, ActionData: res.ActionData}
	default:
		s.release(ctx, o, o.LineItems)
		return s.failPayment(ctx, o, hold, entity.CodeChargeAuthorization, callErr)
	}
	o.ExternalChargeID = hold.ExternalID
	o.Transactions = append(o.Transactions, hold)

	chargeID := hold.ExternalID
	res, callErr = call(s.saga, ctx, func(ctx context.Context) (gateway.PaymentResult, error) {
		return s.Payment.Capture(ctx, chargeID)
	})
	capture := s.transaction(o, entity.TransactionCapture, totals.BuyerTotalCents, res, callErr)
	if capture.Status != entity.TransactionSuccess {
		o.Transactions = append(o.Transactions, capture, s.voidCharge(ctx, o, chargeID, hold.AmountCents))
		s.release(ctx, o, o.LineItems)
		return s.paymentError(ctx, o, capture, entity.CodeCaptureFailed, callErr)
	}
	s.checkpoint(CheckpointCaptured, o, "external_id", capture.ExternalID)
	o.Transactions = append(o.Transactions, capture)

	applyTotals(o, totals, []int64{entity.Cents(of.TaxTotalCents)}, false)
	return s.finishApproval(ctx, o, actor, t, totals, capture)
}

// RejectOffer declines the last offer and cancels the order. A seller
// rejection and a buyer walking away carry different reasons.
func (s *OfferService) RejectOffer(ctx context.Context, actor Actor, orderID, offerID string) (*entity.Order, error) {
	return s.run(ctx, orderID, func(ctx context.Context, o *entity.Order) error {
		of, ok := o.Offer(offerID)
		if !ok {
			return entity.NewValidationError(entity.CodeInvalidOfferForOrder).With("offer_id", offerID)
		}
		if err := machine.CanRespond(o, of, actor.Party); err != nil {
			return err
		}
		event := machine.EventBuyerCancel
		if r, _ := o.RoleOf(actor.Party); r == entity.RoleSeller {
			event = machine.EventReject
		}
		return s.cancel(ctx, o, actor, event)
	})
}
