package ledger

import (
	"strings"

	"order-exchange/internal/entity"
)

// ShippingRates are the seller-quoted flat fees for one catalog item.
type ShippingRates struct {
	OriginCountry              string
	DomesticShippingCents      *int64
	InternationalShippingCents *int64
}

// ShippingQuote is 0 for pickup, otherwise the domestic or international fee
// depending on whether the destination is in the item's country.
func ShippingQuote(rates ShippingRates, fulfillment entity.FulfillmentType, dest *entity.Address) (int64, error) {
	switch fulfillment {
	case entity.FulfillmentPickup:
		return 0, nil
	case entity.FulfillmentShip:
	default:
		return 0, entity.NewValidationError(entity.CodeInvalidFulfillmentType)
	}
	if dest == nil || dest.Country == "" {
		return 0, entity.NewValidationError(entity.CodeMissingCountry)
	}
	fee := rates.InternationalShippingCents
	if strings.EqualFold(dest.Country, rates.OriginCountry) {
		fee = rates.DomesticShippingCents
	}
	if fee == nil {
		return 0, entity.NewValidationError(entity.CodeMissingShippingFee)
	}
	return *fee, nil
}
