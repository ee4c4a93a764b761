package service

import (
	"context"
	"errors"
	"fmt"

	"order-exchange/internal/entity"
	"order-exchange/internal/gateway"
)

// FollowUpService handles scheduled callbacks. Returning an error asks the
// scheduler to retry the callback later.
type FollowUpService struct {
	orders *OrderService
}

func NewFollowUpService(orders *OrderService) *FollowUpService {
	return &FollowUpService{orders: orders}
}

func (f *FollowUpService) Handle(ctx context.Context, cb gateway.Callback) error {
	err := f.handle(ctx, cb)
	if errors.Is(err, entity.ErrNotFound) {
		logger.Warn().Str("order_id", cb.OrderID).Str("kind", string(cb.Kind)).Msg("dropping callback for unknown order")
		return nil
	}
	var ve *entity.ValidationError
	if errors.As(err, &ve) {
		// the order moved on before the callback fired
		logger.Info().Str("order_id", cb.OrderID).Str("kind", string(cb.Kind)).Str("code", ve.Code).Msg("callback no longer applies")
		return nil
	}
	return err
}

func (f *FollowUpService) handle(ctx context.Context, cb gateway.Callback) error {
	switch cb.Kind {
	case gateway.CallbackExpire:
		_, err := f.orders.Expire(ctx, cb.OrderID, cb.ExpectedState)
		return err
	case gateway.CallbackReminder:
		return f.remind(ctx, cb, "order.reminder")
	case gateway.CallbackOfferReminder:
		return f.remind(ctx, cb, "offer.respond_reminder")
	case gateway.CallbackRecordTax:
		return f.recordTax(ctx, cb, false)
	case gateway.CallbackRefundTax:
		return f.recordTax(ctx, cb, true)
	default:
		logger.Error().Str("kind", string(cb.Kind)).Str("order_id", cb.OrderID).Msg("unknown callback kind")
		return nil
	}
}

// remind publishes a reminder if the order still waits in the state the
// reminder was scheduled for. Offer reminders also require the offer to still
// be the last one.
func (f *FollowUpService) remind(ctx context.Context, cb gateway.Callback, typ string) error {
	o, err := f.orders.Store.Get(ctx, cb.OrderID)
	if err != nil {
		return err
	}
	if o.State != cb.ExpectedState {
		return nil
	}
	if cb.OfferID != "" && o.LastOfferID != cb.OfferID {
		return nil
	}
	f.orders.publish(ctx, typ, o, Actor{}, cb.OfferID)
	return nil
}

// recordTax reports collected tax after approval, or its reversal after a
// refund, to the tax engine.
func (f *FollowUpService) recordTax(ctx context.Context, cb gateway.Callback, refund bool) error {
	s := f.orders.saga
	o, err := s.Store.Get(ctx, cb.OrderID)
	if err != nil {
		return err
	}
	if o.TaxTotalCents == nil {
		return nil
	}
	item, err := s.catalogItem(ctx, o)
	if err != nil {
		return err
	}
	rec := gateway.TaxRecord{
		TransactionID:   o.ID,
		TransactionDate: o.StateUpdatedAt,
		ItemAmountCents: entity.Cents(o.ItemsTotalCents),
		SalesTaxCents:   entity.Cents(o.TaxTotalCents),
		ShippingCents:   entity.Cents(o.ShippingTotalCents),
		Origin:          item.Location,
		Destination:     item.Location,
	}
	if o.ShippingAddress != nil {
		rec.Destination = *o.ShippingAddress
	}
	if o.LastApprovedAt != nil {
		rec.TransactionDate = *o.LastApprovedAt
	}

	record := s.Tax.RecordCollected
	if refund {
		rec.ReferenceID = o.ID
		rec.TransactionID = o.ID + "-refund"
		rec.TransactionDate = o.StateUpdatedAt
		record = s.Tax.RecordRefund
	}
	if err := s.do(ctx, func(ctx context.Context) error { return record(ctx, rec) }); err != nil {
		return fmt.Errorf("record tax for order %s: %w", o.ID, err)
	}
	return nil
}
