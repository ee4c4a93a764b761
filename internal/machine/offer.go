package machine

import (
	"order-exchange/internal/entity"
)

// OfferState is derived from SubmittedAt; an offer moves pending -> submitted
// exactly once.
type OfferState string

const (
	OfferPending   OfferState = "pending"
	OfferSubmitted OfferState = "submitted"
)

func StateOfOffer(of *entity.Offer) OfferState {
	if of.Submitted() {
		return OfferSubmitted
	}
	return OfferPending
}

// CanCreate guards the creation of the opening offer of a thread. Only the
// buyer opens, and only one unsubmitted offer may exist per order.
func CanCreate(o *entity.Order, from entity.Party, amountCents int64) error {
	if o.Mode != entity.ModeOffer {
		return entity.NewValidationError(entity.CodeCannotOffer)
	}
	if o.State != entity.StatePending {
		return entity.NewValidationError(entity.CodeInvalidState).With("state", o.State)
	}
	if amountCents <= 0 {
		return entity.NewValidationError(entity.CodeInvalidAmount)
	}
	if r, ok := o.RoleOf(from); !ok || r != entity.RoleBuyer {
		return entity.NewValidationError(entity.CodeOfferNotFromBuyer)
	}
	if _, ok := o.PendingOffer(); ok {
		return entity.NewValidationError(entity.CodePendingOfferExists)
	}
	return nil
}

// CanCounter guards a counter-offer responding to respondsTo.
func CanCounter(o *entity.Order, respondsTo *entity.Offer, from entity.Party, amountCents int64) error {
	if o.Mode != entity.ModeOffer {
		return entity.NewValidationError(entity.CodeCannotOffer)
	}
	if o.State != entity.StateSubmitted {
		return entity.NewValidationError(entity.CodeInvalidState).With("state", o.State)
	}
	if !o.IsLastOffer(respondsTo) {
		return entity.NewValidationError(entity.CodeNotLastOffer)
	}
	if err := mustBeAwaitedParty(o, respondsTo, from); err != nil {
		return err
	}
	if amountCents <= 0 {
		return entity.NewValidationError(entity.CodeInvalidAmount)
	}
	if _, ok := o.PendingOffer(); ok {
		return entity.NewValidationError(entity.CodePendingOfferExists)
	}
	return nil
}

// CanSubmit guards submission of a pending offer by its author.
func CanSubmit(o *entity.Order, of *entity.Offer, by entity.Party) error {
	if of.Submitted() {
		return entity.NewValidationError(entity.CodeAlreadySubmitted)
	}
	if o.State != entity.StatePending && o.State != entity.StateSubmitted {
		return entity.NewValidationError(entity.CodeInvalidState).With("state", o.State)
	}
	if !entity.SameParty(of.From, by) {
		return entity.NewValidationError(entity.CodeNotOfferAuthor)
	}
	return nil
}

// CanRespond guards accepting or rejecting of: it must be the submitted last
// offer and by must be the party it awaits.
func CanRespond(o *entity.Order, of *entity.Offer, by entity.Party) error {
	if o.State != entity.StateSubmitted {
		return entity.NewValidationError(entity.CodeInvalidState).With("state", o.State)
	}
	if !o.IsLastOffer(of) {
		return entity.NewValidationError(entity.CodeNotLastOffer)
	}
	if !of.Submitted() {
		return entity.NewValidationError(entity.CodeOfferNotSubmitted)
	}
	return mustBeAwaitedParty(o, of, by)
}

func mustBeAwaitedParty(o *entity.Order, of *entity.Offer, by entity.Party) error {
	awaiting, ok := o.AwaitingResponseFrom(of)
	if !ok {
		return entity.NewValidationError(entity.CodeOfferNotSubmitted)
	}
	role, ok := o.RoleOf(by)
	if !ok {
		return entity.NewValidationError(entity.CodeNotParticipant)
	}
	if role != awaiting {
		return entity.NewValidationError(entity.CodeNotAwaitedParty).With("awaiting", awaiting)
	}
	return nil
}
