package entity

import (
	"encoding/json"
	"time"
)

// Offer is one round of negotiation on an Offer-mode order. Offers form a
// chain through RespondsToID and are superseded, never deleted.
type Offer struct {
	ID                 string     `json:"id"`
	OrderID            string     `json:"order_id"`
	AmountCents        int64      `json:"amount_cents"`
	From               Party      `json:"-"`
	CreatorID          string     `json:"creator_id"`
	RespondsToID       string     `json:"responds_to_id,omitempty"`
	ShippingTotalCents *int64     `json:"shipping_total_cents"`
	TaxTotalCents      *int64     `json:"tax_total_cents"`
	Note               string     `json:"note,omitempty"`
	SubmittedAt        *time.Time `json:"submitted_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (of *Offer) Submitted() bool { return of.SubmittedAt != nil }

// BuyerTotalCents is what the buyer pays if this offer is accepted.
func (of *Offer) BuyerTotalCents() int64 {
	return of.AmountCents + Cents(of.ShippingTotalCents) + Cents(of.TaxTotalCents)
}

func (of Offer) clone() Offer {
	c := of
	c.ShippingTotalCents = cloneInt(of.ShippingTotalCents)
	c.TaxTotalCents = cloneInt(of.TaxTotalCents)
	if of.SubmittedAt != nil {
		t := *of.SubmittedAt
		c.SubmittedAt = &t
	}
	return c
}

type offerAlias Offer

type offerJSON struct {
	*offerAlias
	From *partyJSON `json:"from"`
}

func (of Offer) MarshalJSON() ([]byte, error) {
	a := offerAlias(of)
	return json.Marshal(offerJSON{offerAlias: &a, From: toPartyJSON(of.From)})
}

func (of *Offer) UnmarshalJSON(data []byte) error {
	aux := offerJSON{offerAlias: (*offerAlias)(of)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	of.From, err = aux.From.party()
	return err
}
