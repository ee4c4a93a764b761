package entity

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderState string

const (
	StatePending   OrderState = "pending"
	StateSubmitted OrderState = "submitted"
	StateApproved  OrderState = "approved"
	StateFulfilled OrderState = "fulfilled"
	StateCanceled  OrderState = "canceled"
	StateRefunded  OrderState = "refunded"
	StateReturned  OrderState = "returned"
	StateAbandoned OrderState = "abandoned"
)

type StateReason string

const (
	ReasonNone           StateReason = ""
	ReasonSellerRejected StateReason = "seller_rejected"
	ReasonSellerLapsed   StateReason = "seller_lapsed"
	ReasonBuyerCanceled  StateReason = "buyer_canceled"
	ReasonBuyerLapsed    StateReason = "buyer_lapsed"
)

type Mode string

const (
	ModeBuy   Mode = "buy"
	ModeOffer Mode = "offer"
)

type FulfillmentType string

const (
	FulfillmentPickup FulfillmentType = "pickup"
	FulfillmentShip   FulfillmentType = "ship"
)

type Address struct {
	Name        string `json:"name"`
	Line1       string `json:"address_line1"`
	Line2       string `json:"address_line2"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Country     string `json:"country"`
	PostalCode  string `json:"postal_code"`
	PhoneNumber string `json:"phone_number"`
}

type Order struct {
	ID              string          `json:"id"`
	Code            string          `json:"code"`
	Buyer           Party           `json:"-"`
	Seller          Party           `json:"-"`
	Mode            Mode            `json:"mode"`
	FulfillmentType FulfillmentType `json:"fulfillment_type,omitempty"`
	ShippingAddress *Address        `json:"shipping_address,omitempty"`
	CurrencyCode    string          `json:"currency_code"`

	// Financial snapshot. Nil until the transition that computes it.
	ItemsTotalCents     *int64              `json:"items_total_cents"`
	ShippingTotalCents  *int64              `json:"shipping_total_cents"`
	TaxTotalCents       *int64              `json:"tax_total_cents"`
	BuyerTotalCents     *int64              `json:"buyer_total_cents"`
	CommissionRate      decimal.NullDecimal `json:"commission_rate"`
	CommissionFeeCents  *int64              `json:"commission_fee_cents"`
	TransactionFeeCents *int64              `json:"transaction_fee_cents"`
	SellerTotalCents    *int64              `json:"seller_total_cents"`

	State          OrderState  `json:"state"`
	StateReason    StateReason `json:"state_reason,omitempty"`
	StateUpdatedAt time.Time   `json:"state_updated_at"`
	StateExpiresAt time.Time   `json:"state_expires_at"`
	LastApprovedAt *time.Time  `json:"last_approved_at,omitempty"`

	PaymentMethodID  string `json:"payment_method_id,omitempty"`
	ExternalChargeID string `json:"external_charge_id,omitempty"`
	LastOfferID      string `json:"last_offer_id,omitempty"`

	LineItems    []LineItem     `json:"line_items"`
	Transactions []Transaction  `json:"transactions"`
	Offers       []Offer        `json:"offers"`
	StateHistory []StateHistory `json:"state_history"`
	Fulfillment  *Fulfillment   `json:"fulfillment,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LineItem struct {
	ID                 string `json:"id"`
	OrderID            string `json:"order_id"`
	CatalogItemID      string `json:"artwork_id"`
	VersionID          string `json:"artwork_version_id"`
	EditionSetID       string `json:"edition_set_id,omitempty"`
	ListPriceCents     int64  `json:"list_price_cents"`
	Quantity           int    `json:"quantity"`
	SalesTaxCents      *int64 `json:"sales_tax_cents"`
	CommissionFeeCents *int64 `json:"commission_fee_cents"`
	FulfillmentID      string `json:"fulfillment_id,omitempty"`
}

func (li LineItem) TotalListPriceCents() int64 {
	return li.ListPriceCents * int64(li.Quantity)
}

type TransactionType string

const (
	TransactionHold    TransactionType = "hold"
	TransactionCapture TransactionType = "capture"
	TransactionConfirm TransactionType = "confirm"
	TransactionRefund  TransactionType = "refund"
)

type TransactionStatus string

const (
	TransactionSuccess        TransactionStatus = "success"
	TransactionFailure        TransactionStatus = "failure"
	TransactionRequiresAction TransactionStatus = "requires_action"
)

// Transaction is an append-only record of one payment gateway call.
type Transaction struct {
	ID             string            `json:"id"`
	OrderID        string            `json:"order_id"`
	Type           TransactionType   `json:"transaction_type"`
	ExternalID     string            `json:"external_id"`
	SourceID       string            `json:"source_id,omitempty"`
	AmountCents    int64             `json:"amount_cents"`
	Status         TransactionStatus `json:"status"`
	FailureCode    string            `json:"failure_code,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	DeclineCode    string            `json:"decline_code,omitempty"`
	ProcessingFee  int64             `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (t Transaction) Failed() bool { return t.Status == TransactionFailure }

type StateHistory struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"order_id"`
	State     OrderState  `json:"state"`
	Reason    StateReason `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type Fulfillment struct {
	ID                string    `json:"id"`
	Courier           string    `json:"courier"`
	TrackingID        string    `json:"tracking_id"`
	EstimatedDelivery string    `json:"estimated_delivery"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func NewID() string {
	return uuid.NewString()
}

func NewOrderCode() string {
	return fmt.Sprintf("B%09d", rand.Intn(1_000_000_000))
}

// RoleOf returns the role p plays in the order, if any.
func (o *Order) RoleOf(p Party) (Role, bool) {
	switch {
	case SameParty(p, o.Buyer):
		return RoleBuyer, true
	case SameParty(p, o.Seller):
		return RoleSeller, true
	}
	return "", false
}

func (o *Order) PartyFor(r Role) Party {
	if r == RoleBuyer {
		return o.Buyer
	}
	return o.Seller
}

// ShippingInfo reports whether the fulfillment choice is complete.
func (o *Order) ShippingInfo() bool {
	switch o.FulfillmentType {
	case FulfillmentPickup:
		return true
	case FulfillmentShip:
		return o.ShippingAddress != nil && o.ShippingAddress.Country != ""
	}
	return false
}

func (o *Order) Offer(id string) (*Offer, bool) {
	for i := range o.Offers {
		if o.Offers[i].ID == id {
			return &o.Offers[i], true
		}
	}
	return nil, false
}

func (o *Order) LastOffer() (*Offer, bool) {
	if o.LastOfferID == "" {
		return nil, false
	}
	return o.Offer(o.LastOfferID)
}

func (o *Order) PendingOffer() (*Offer, bool) {
	for i := range o.Offers {
		if !o.Offers[i].Submitted() {
			return &o.Offers[i], true
		}
	}
	return nil, false
}

func (o *Order) IsLastOffer(of *Offer) bool {
	return of != nil && o.LastOfferID != "" && o.LastOfferID == of.ID
}

// AwaitingResponseFrom is the counterparty of the submitter of a submitted
// offer. Unsubmitted offers await nobody.
func (o *Order) AwaitingResponseFrom(of *Offer) (Role, bool) {
	if of == nil || !of.Submitted() {
		return "", false
	}
	r, ok := o.RoleOf(of.From)
	if !ok {
		return "", false
	}
	return r.Counterparty(), true
}

// Clone returns a deep copy so a saga can mutate freely and discard on failure.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.ShippingAddress != nil {
		a := *o.ShippingAddress
		c.ShippingAddress = &a
	}
	if o.Fulfillment != nil {
		f := *o.Fulfillment
		c.Fulfillment = &f
	}
	c.ItemsTotalCents = cloneInt(o.ItemsTotalCents)
	c.ShippingTotalCents = cloneInt(o.ShippingTotalCents)
	c.TaxTotalCents = cloneInt(o.TaxTotalCents)
	c.BuyerTotalCents = cloneInt(o.BuyerTotalCents)
	c.CommissionFeeCents = cloneInt(o.CommissionFeeCents)
	c.TransactionFeeCents = cloneInt(o.TransactionFeeCents)
	c.SellerTotalCents = cloneInt(o.SellerTotalCents)
	if o.LastApprovedAt != nil {
		t := *o.LastApprovedAt
		c.LastApprovedAt = &t
	}
	c.LineItems = make([]LineItem, len(o.LineItems))
	for i, li := range o.LineItems {
		li.SalesTaxCents = cloneInt(li.SalesTaxCents)
		li.CommissionFeeCents = cloneInt(li.CommissionFeeCents)
		c.LineItems[i] = li
	}
	c.Transactions = append([]Transaction(nil), o.Transactions...)
	c.StateHistory = append([]StateHistory(nil), o.StateHistory...)
	c.Offers = make([]Offer, len(o.Offers))
	for i, of := range o.Offers {
		c.Offers[i] = of.clone()
	}
	return &c
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func Int64(v int64) *int64 { return &v }

// Cents dereferences a nullable amount, treating nil as zero.
func Cents(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

type orderAlias Order

type orderJSON struct {
	*orderAlias
	Buyer  *partyJSON `json:"buyer"`
	Seller *partyJSON `json:"seller"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	a := orderAlias(o)
	return json.Marshal(orderJSON{orderAlias: &a, Buyer: toPartyJSON(o.Buyer), Seller: toPartyJSON(o.Seller)})
}

func (o *Order) UnmarshalJSON(data []byte) error {
	aux := orderJSON{orderAlias: (*orderAlias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if o.Buyer, err = aux.Buyer.party(); err != nil {
		return err
	}
	o.Seller, err = aux.Seller.party()
	return err
}
