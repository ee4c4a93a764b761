package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-exchange/internal/entity"
	"order-exchange/internal/gateway"
)

// submittedOffer returns an Offer-mode order submitted with a buyer offer of
// 80000 cents.
func (h *harness) submittedOffer(t *testing.T) (*entity.Order, *entity.Offer) {
	t.Helper()
	o := h.pendingOrder(t, entity.ModeOffer, entity.FulfillmentShip)
	_, of, err := h.offers.CreatePendingOffer(context.Background(), buyer, o.ID, OfferRequest{AmountCents: 80000, Note: "would love this piece"})
	require.NoError(t, err)
	o, err = h.offers.SubmitOrderWithOffer(context.Background(), buyer, o.ID, of.ID)
	require.NoError(t, err)
	submitted, ok := o.Offer(of.ID)
	require.True(t, ok)
	return o, submitted
}

func (h *harness) counteredOffer(t *testing.T) (*entity.Order, *entity.Offer, *entity.Offer) {
	t.Helper()
	o, first := h.submittedOffer(t)
	_, counter, err := h.offers.CreatePendingCounterOffer(context.Background(), seller, o.ID, OfferRequest{AmountCents: 95000, RespondsToID: first.ID})
	require.NoError(t, err)
	o, err = h.offers.SubmitPendingOffer(context.Background(), seller, o.ID, counter.ID)
	require.NoError(t, err)
	counter, _ = o.Offer(counter.ID)
	first, _ = o.Offer(first.ID)
	return o, first, counter
}

func TestCreatePendingOffer(t *testing.T) {
	h := newHarness(t)
	o := h.pendingOrder(t, entity.ModeOffer, entity.FulfillmentShip)
	assert.Nil(t, o.ItemsTotalCents)

	o, of, err := h.offers.CreatePendingOffer(context.Background(), buyer, o.ID, OfferRequest{AmountCents: 80000})
	require.NoError(t, err)
	assert.Len(t, o.Offers, 1)
	assert.False(t, of.Submitted())
	assert.Equal(t, "buyer-1", of.CreatorID)
	assert.Equal(t, int64(1000), entity.Cents(of.ShippingTotalCents))
	assert.Equal(t, int64(2500), entity.Cents(of.TaxTotalCents))

	_, _, err = h.offers.CreatePendingOffer(context.Background(), buyer, o.ID, OfferRequest{AmountCents: 70000})
	assert.True(t, entity.IsValidationCode(err, entity.CodePendingOfferExists))

	_, _, err = h.offers.CreatePendingOffer(context.Background(), seller, o.ID, OfferRequest{AmountCents: 70000})
	assert.True(t, entity.IsValidationCode(err, entity.CodeOfferNotFromBuyer))
	assert.Len(t, h.stored(t, o.ID).Offers, 1)
}

func TestCreatePendingOffer_BuyOrder(t *testing.T) {
	h := newHarness(t)
	o := h.pendingOrder(t, entity.ModeBuy, entity.FulfillmentShip)

	_, _, err := h.offers.CreatePendingOffer(context.Background(), buyer, o.ID, OfferRequest{AmountCents: 80000})
	assert.True(t, entity.IsValidationCode(err, entity.CodeCannotOffer))
}

func TestSubmitOrderWithOffer(t *testing.T) {
	h := newHarness(t)
	submittedAt := h.clock.Now()
	o, of := h.submittedOffer(t)

	assert.Equal(t, entity.StateSubmitted, o.State)
	require.Len(t, o.Offers, 1)
	assert.Equal(t, of.ID, o.LastOfferID)
	assert.True(t, of.Submitted())
	assert.Equal(t, submittedAt.Add(72*time.Hour), o.StateExpiresAt)
	assert.Equal(t, int64(80000), entity.Cents(o.ItemsTotalCents))
	assert.Equal(t, int64(80000+1000+2500), entity.Cents(o.BuyerTotalCents))
	assert.Equal(t, int64(16000), entity.Cents(o.CommissionFeeCents))
	assert.Equal(t, 0, h.payment.total())
	reserves, _, _ := h.inventory.counts()
	assert.Equal(t, 0, reserves)

	reminders := h.scheduler.find(gateway.CallbackOfferReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, of.ID, reminders[0].cb.OfferID)
	assert.Equal(t, o.StateExpiresAt.Add(-6*time.Hour), reminders[0].at)
}

func TestSubmitPendingOffer_Counter(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)
	h.clock.Advance(time.Hour)

	_, counter, err := h.offers.CreatePendingCounterOffer(context.Background(), seller, o.ID, OfferRequest{AmountCents: 95000, RespondsToID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, first.ID, counter.RespondsToID)
	assert.True(t, entity.SameParty(seller.Party, counter.From))
	assert.False(t, counter.Submitted())

	o, err = h.offers.SubmitPendingOffer(context.Background(), seller, o.ID, counter.ID)
	require.NoError(t, err)
	require.Len(t, o.Offers, 2)
	assert.Equal(t, counter.ID, o.LastOfferID)
	assert.Equal(t, h.clock.Now().Add(72*time.Hour), o.StateExpiresAt)
	assert.Equal(t, int64(95000), entity.Cents(o.ItemsTotalCents))

	buyerOffer, _ := o.Offer(first.ID)
	assert.Equal(t, int64(80000), buyerOffer.AmountCents)
	assert.True(t, buyerOffer.Submitted())
	assert.Contains(t, h.events.types(), "offer.submitted")
}

func TestCounter_NotLastOffer(t *testing.T) {
	h := newHarness(t)
	o, first, _ := h.counteredOffer(t)

	_, _, err := h.offers.CreatePendingCounterOffer(context.Background(), buyer, o.ID, OfferRequest{AmountCents: 85000, RespondsToID: first.ID})
	assert.True(t, entity.IsValidationCode(err, entity.CodeNotLastOffer))
	assert.Len(t, h.stored(t, o.ID).Offers, 2)
}

func TestCounter_OnlyAwaitedParty(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)

	_, _, err := h.offers.CreatePendingCounterOffer(context.Background(), buyer, o.ID, OfferRequest{AmountCents: 85000, RespondsToID: first.ID})
	assert.True(t, entity.IsValidationCode(err, entity.CodeNotAwaitedParty))
	assert.Len(t, h.stored(t, o.ID).Offers, 1)
}

func TestAcceptOffer(t *testing.T) {
	h := newHarness(t)
	h.payment.feeCent = 3000
	o, _, counter := h.counteredOffer(t)
	h.commission.set("0.5")

	o, err := h.offers.AcceptOffer(context.Background(), buyer, o.ID, counter.ID)
	require.NoError(t, err)

	assert.Equal(t, entity.StateApproved, o.State)
	assert.Equal(t, int64(95000), entity.Cents(o.ItemsTotalCents))
	assert.Equal(t, int64(95000+1000+2500), entity.Cents(o.BuyerTotalCents))
	assert.Equal(t, "0.2", o.CommissionRate.Decimal.String())
	assert.Equal(t, int64(19000), entity.Cents(o.CommissionFeeCents))
	assert.Equal(t, int64(98500-3000-19000), entity.Cents(o.SellerTotalCents))

	assert.Equal(t, 1, h.payment.count(opHold))
	assert.Equal(t, 1, h.payment.count(opCapture))
	assert.Equal(t, int64(98500), h.payment.holds[0].AmountCents)
	require.Len(t, o.Transactions, 2)
	assert.Equal(t, entity.TransactionHold, o.Transactions[0].Type)
	assert.Equal(t, entity.TransactionCapture, o.Transactions[1].Type)
	_, _, stock := h.inventory.counts()
	assert.Equal(t, 0, stock)
	assert.Len(t, h.scheduler.find(gateway.CallbackRecordTax), 1)
}

func TestAcceptOffer_Twice(t *testing.T) {
	h := newHarness(t)
	o, _, counter := h.counteredOffer(t)

	_, err := h.offers.AcceptOffer(context.Background(), buyer, o.ID, counter.ID)
	require.NoError(t, err)
	_, err = h.offers.AcceptOffer(context.Background(), buyer, o.ID, counter.ID)
	assert.True(t, entity.IsValidationCode(err, entity.CodeInvalidState))
	assert.Equal(t, 1, h.payment.count(opCapture))
}

func TestAcceptOffer_WrongParty(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)

	_, err := h.offers.AcceptOffer(context.Background(), buyer, o.ID, first.ID)
	assert.True(t, entity.IsValidationCode(err, entity.CodeNotAwaitedParty))
	assert.Equal(t, 0, h.payment.total())
}

func TestAcceptOffer_CaptureFailureCompensates(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)
	h.payment.queue(opCapture, gateway.PaymentResult{Status: gateway.PaymentFailed, FailureCode: "card_declined"})

	_, err := h.offers.AcceptOffer(context.Background(), seller, o.ID, first.ID)
	var fte *entity.FailedTransactionError
	require.ErrorAs(t, err, &fte)
	assert.Equal(t, entity.CodeCaptureFailed, fte.Code)
	assert.Equal(t, entity.TransactionCapture, fte.Transaction.Type)

	assert.Equal(t, 1, h.payment.count(opRefund))
	_, releases, stock := h.inventory.counts()
	assert.Equal(t, 1, releases)
	assert.Equal(t, 1, stock)

	stored := h.stored(t, o.ID)
	assert.Equal(t, entity.StateSubmitted, stored.State)
	require.Len(t, stored.Transactions, 3)
	assert.Equal(t, entity.TransactionRefund, stored.Transactions[2].Type)
}

func TestAcceptOffer_RequiresActionThenConfirm(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)
	h.payment.queue(opHold, gateway.PaymentResult{Status: gateway.PaymentRequiresAction, ExternalID: "pi_3ds", ActionData: map[string]any{"client_secret": "secret"}})

	_, err := h.offers.AcceptOffer(context.Background(), seller, o.ID, first.ID)
	var rae *entity.PaymentRequiresActionError
	require.ErrorAs(t, err, &rae)
	assert.Equal(t, "pi_3ds", rae.ExternalID)
	assert.Equal(t, "secret", rae.ActionData["client_secret"])

	assert.Equal(t, 0, h.payment.count(opRefund))
	_, releases, stock := h.inventory.counts()
	assert.Equal(t, 1, releases)
	assert.Equal(t, 1, stock)

	stored := h.stored(t, o.ID)
	assert.Equal(t, entity.StateSubmitted, stored.State)
	assert.Equal(t, "pi_3ds", stored.ExternalChargeID)
	require.Len(t, stored.Transactions, 1)
	assert.Equal(t, entity.TransactionRequiresAction, stored.Transactions[0].Status)

	_, err = h.offers.ConfirmOfferPayment(context.Background(), seller, o.ID, first.ID)
	assert.True(t, entity.IsValidationCode(err, entity.CodeNotParticipant))

	o, err = h.offers.ConfirmOfferPayment(context.Background(), buyer, o.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateApproved, o.State)
	assert.Equal(t, 1, h.payment.count(opConfirm))
	assert.Equal(t, 1, h.payment.count(opCapture))
	require.Len(t, o.Transactions, 3)
	assert.Equal(t, entity.TransactionConfirm, o.Transactions[1].Type)
	assert.Equal(t, "pi_3ds", o.Transactions[2].ExternalID)
	_, _, stock = h.inventory.counts()
	assert.Equal(t, 0, stock)
}

func TestConfirmOfferPayment_NothingToResume(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)

	_, err := h.offers.ConfirmOfferPayment(context.Background(), buyer, o.ID, first.ID)
	assert.True(t, entity.IsValidationCode(err, entity.CodeNoPaymentToResume))
	assert.Equal(t, 0, h.payment.total())
}

func TestAcceptOffer_InsufficientInventory(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)
	h.inventory.stock["artwork-1"] = 0

	_, err := h.offers.AcceptOffer(context.Background(), seller, o.ID, first.ID)
	var inv *entity.InsufficientInventoryError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 0, h.payment.total())
	assert.Equal(t, entity.StateSubmitted, h.stored(t, o.ID).State)
}

func TestRejectOffer(t *testing.T) {
	h := newHarness(t)
	o, first := h.submittedOffer(t)

	o, err := h.offers.RejectOffer(context.Background(), seller, o.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateCanceled, o.State)
	assert.Equal(t, entity.ReasonSellerRejected, o.StateReason)
	assert.Equal(t, 0, h.payment.total())
	_, releases, _ := h.inventory.counts()
	assert.Equal(t, 0, releases)
}

func TestRejectOffer_BuyerWalksAway(t *testing.T) {
	h := newHarness(t)
	o, _, counter := h.counteredOffer(t)

	o, err := h.offers.RejectOffer(context.Background(), buyer, o.ID, counter.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateCanceled, o.State)
	assert.Equal(t, entity.ReasonBuyerCanceled, o.StateReason)
}
