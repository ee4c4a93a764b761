// Package machine holds the order lifecycle as one explicit transition table
// and the guards of the offer negotiation protocol.
package machine

import (
	"time"

	"order-exchange/internal/entity"
)

type Event string

const (
	EventSubmit      Event = "submit"
	EventAbandon     Event = "abandon"
	EventApprove     Event = "approve"
	EventReject      Event = "reject"
	EventSellerLapse Event = "seller_lapse"
	EventBuyerCancel Event = "buyer_cancel"
	EventFulfill     Event = "fulfill"
	EventRefund      Event = "refund"
	EventReturn      Event = "return"
)

// Effect names the external side effects a transition performs on entry.
// Compensating effects must succeed before the state is committed.
type Effect string

const (
	EffectNone              Effect = ""
	EffectHoldPayment       Effect = "hold_payment"
	EffectCapturePayment    Effect = "capture_payment"
	EffectRefundAndRelease  Effect = "refund_and_release"
	EffectRecordFulfillment Effect = "record_fulfillment"
)

type Transition struct {
	From   entity.OrderState
	Event  Event
	To     entity.OrderState
	Reason entity.StateReason
	Effect Effect
}

type key struct {
	from  entity.OrderState
	event Event
}

var table = map[key]Transition{}

func init() {
	for _, t := range []Transition{
		{entity.StatePending, EventSubmit, entity.StateSubmitted, entity.ReasonNone, EffectHoldPayment},
		{entity.StatePending, EventAbandon, entity.StateAbandoned, entity.ReasonBuyerLapsed, EffectNone},
		{entity.StateSubmitted, EventApprove, entity.StateApproved, entity.ReasonNone, EffectCapturePayment},
		{entity.StateSubmitted, EventReject, entity.StateCanceled, entity.ReasonSellerRejected, EffectRefundAndRelease},
		{entity.StateSubmitted, EventSellerLapse, entity.StateCanceled, entity.ReasonSellerLapsed, EffectRefundAndRelease},
		{entity.StateSubmitted, EventBuyerCancel, entity.StateCanceled, entity.ReasonBuyerCanceled, EffectRefundAndRelease},
		{entity.StateApproved, EventFulfill, entity.StateFulfilled, entity.ReasonNone, EffectRecordFulfillment},
		{entity.StateApproved, EventRefund, entity.StateRefunded, entity.ReasonNone, EffectRefundAndRelease},
		{entity.StateApproved, EventReturn, entity.StateReturned, entity.ReasonNone, EffectRefundAndRelease},
		{entity.StateFulfilled, EventReturn, entity.StateReturned, entity.ReasonNone, EffectRefundAndRelease},
	} {
		table[key{t.From, t.Event}] = t
	}
}

// Next looks up the transition for event in state from. Illegal requests
// fail with ValidationError(invalid_state).
func Next(from entity.OrderState, event Event) (Transition, error) {
	t, ok := table[key{from, event}]
	if !ok {
		return Transition{}, entity.NewValidationError(entity.CodeInvalidState).
			With("state", from).
			With("event", event)
	}
	return t, nil
}

func Terminal(s entity.OrderState) bool {
	for k := range table {
		if k.from == s {
			return false
		}
	}
	return true
}

// ExpireEvent is the event an expiration callback fires for a state.
func ExpireEvent(s entity.OrderState) (Event, bool) {
	switch s {
	case entity.StatePending:
		return EventAbandon, true
	case entity.StateSubmitted:
		return EventSellerLapse, true
	}
	return "", false
}

// ExpirationPolicy is how long an order may stay in a state.
type ExpirationPolicy map[entity.OrderState]time.Duration

func DefaultExpirationPolicy() ExpirationPolicy {
	return ExpirationPolicy{
		entity.StatePending:   2 * 24 * time.Hour,
		entity.StateSubmitted: 2 * 24 * time.Hour,
		entity.StateApproved:  7 * 24 * time.Hour,
	}
}

// ExpiresAt returns the zero time for states that never expire.
func (p ExpirationPolicy) ExpiresAt(s entity.OrderState, now time.Time) time.Time {
	d, ok := p[s]
	if !ok {
		return time.Time{}
	}
	return now.Add(d)
}

// Apply moves o through t: state, reason, timestamps and a StateHistory row.
func Apply(o *entity.Order, t Transition, policy ExpirationPolicy, now time.Time) {
	o.State = t.To
	o.StateReason = t.Reason
	o.StateUpdatedAt = now
	o.StateExpiresAt = policy.ExpiresAt(t.To, now)
	o.UpdatedAt = now
	if t.To == entity.StateApproved {
		at := now
		o.LastApprovedAt = &at
	}
	o.StateHistory = append(o.StateHistory, entity.StateHistory{
		ID:        entity.NewID(),
		OrderID:   o.ID,
		State:     t.To,
		Reason:    t.Reason,
		CreatedAt: now,
	})
}

// Start puts a new order in Pending with its first StateHistory row.
func Start(o *entity.Order, policy ExpirationPolicy, now time.Time) {
	o.State = entity.StatePending
	o.StateReason = entity.ReasonNone
	o.StateUpdatedAt = now
	o.StateExpiresAt = policy.ExpiresAt(entity.StatePending, now)
	o.StateHistory = append(o.StateHistory, entity.StateHistory{
		ID:        entity.NewID(),
		OrderID:   o.ID,
		State:     entity.StatePending,
		CreatedAt: now,
	})
}
