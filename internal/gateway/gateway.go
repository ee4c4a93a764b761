// Package gateway defines the contracts the order saga needs from the
// catalog/inventory service, the payment provider, the tax engine, the event
// sink and the scheduled callback facility, along with their HTTP and Kafka
// implementations.
package gateway

import (
	"context"
	"errors"
	"time"

	"order-exchange/internal/entity"
)

var ErrInsufficientStock = errors.New("insufficient stock")

type EditionSet struct {
	ID         string `json:"id"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"price_currency"`
}

type CatalogItem struct {
	ID                         string         `json:"id"`
	VersionID                  string         `json:"current_version_id"`
	PartnerID                  string         `json:"partner_id"`
	PriceCents                 int64          `json:"price_cents"`
	Currency                   string         `json:"price_currency"`
	Published                  bool           `json:"published"`
	Acquireable                bool           `json:"acquireable"`
	Offerable                  bool           `json:"offerable"`
	Location                   entity.Address `json:"location"`
	DomesticShippingCents      *int64         `json:"domestic_shipping_fee_cents"`
	InternationalShippingCents *int64         `json:"international_shipping_fee_cents"`
	EditionSets                []EditionSet   `json:"edition_sets"`
}

type Catalog interface {
	// Item returns entity.ErrNotFound for unknown items.
	Item(ctx context.Context, itemID string) (*CatalogItem, error)
}

type Inventory interface {
	// Reserve returns ErrInsufficientStock when the item cannot be deducted.
	Reserve(ctx context.Context, itemID string, quantity int) error
	// Release is best-effort and must tolerate double release.
	Release(ctx context.Context, itemID string, quantity int) error
}

type PaymentStatus string

const (
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentFailed         PaymentStatus = "failed"
)

type PaymentResult struct {
	Status         PaymentStatus  `json:"status"`
	ExternalID     string         `json:"id"`
	AmountCents    int64          `json:"amount_cents"`
	FeeCents       int64          `json:"fee_cents"`
	FailureCode    string         `json:"failure_code"`
	FailureMessage string         `json:"failure_message"`
	DeclineCode    string         `json:"decline_code"`
	ActionData     map[string]any `json:"action_data"`
}

type HoldRequest struct {
	OrderID         string `json:"order_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	PaymentMethodID string `json:"payment_method_id"`
	Description     string `json:"description"`
}

type Payment interface {
	Hold(ctx context.Context, req HoldRequest) (PaymentResult, error)
	Capture(ctx context.Context, externalID string) (PaymentResult, error)
	Confirm(ctx context.Context, externalID string) (PaymentResult, error)
	Refund(ctx context.Context, externalID string) (PaymentResult, error)
}

type TaxRequest struct {
	ItemAmountCents int64          `json:"amount_cents"`
	UnitPriceCents  int64          `json:"unit_price_cents"`
	Quantity        int            `json:"quantity"`
	Origin          entity.Address `json:"from"`
	Destination     entity.Address `json:"to"`
	ShippingCents   int64          `json:"shipping_cents"`
}

type TaxRecord struct {
	TransactionID   string         `json:"transaction_id"`
	ReferenceID     string         `json:"transaction_reference_id,omitempty"`
	TransactionDate time.Time      `json:"transaction_date"`
	ItemAmountCents int64          `json:"amount_cents"`
	SalesTaxCents   int64          `json:"sales_tax_cents"`
	ShippingCents   int64          `json:"shipping_cents"`
	Origin          entity.Address `json:"from"`
	Destination     entity.Address `json:"to"`
}

type Tax interface {
	ComputeTax(ctx context.Context, req TaxRequest) (int64, error)
	RecordCollected(ctx context.Context, rec TaxRecord) error
	RecordRefund(ctx context.Context, rec TaxRecord) error
}

type Event struct {
	Type       string            `json:"type"`
	OrderID    string            `json:"order_id"`
	OfferID    string            `json:"offer_id,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	State      entity.OrderState `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EventSink is fire-and-forget, at-least-once.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

type CallbackKind string

const (
	CallbackExpire        CallbackKind = "expire"
	CallbackReminder      CallbackKind = "reminder"
	CallbackOfferReminder CallbackKind = "offer_reminder"
	CallbackRecordTax     CallbackKind = "record_tax"
	CallbackRefundTax     CallbackKind = "refund_tax"
)

type Callback struct {
	ID            string            `json:"id"`
	Kind          CallbackKind      `json:"kind"`
	OrderID       string            `json:"order_id"`
	OfferID       string            `json:"offer_id,omitempty"`
	ExpectedState entity.OrderState `json:"expected_state,omitempty"`
	Attempt       int               `json:"attempt"`
}

type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, cb Callback) error
}
