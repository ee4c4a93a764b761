package entity

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConcurrentUpdate = errors.New("order was modified concurrently")
)

// Error codes carried by the typed errors below.
const (
	CodeInvalidState            = "invalid_state"
	CodeMissingRequiredInfo     = "missing_required_info"
	CodeMissingCountry          = "missing_country"
	CodeInvalidPaymentMethod    = "invalid_credit_card"
	CodeArtworkVersionMismatch  = "artwork_version_mismatch"
	CodeUnknownArtwork          = "unknown_artwork"
	CodeUnpublishedArtwork      = "unpublished_artwork"
	CodeNotAcquireable          = "not_acquireable"
	CodeNotOfferable            = "not_offerable"
	CodeMissingPrice            = "missing_price"
	CodeMissingCurrency         = "missing_currency"
	CodeMissingShippingFee      = "missing_shipping_fee"
	CodeInvalidQuantity         = "invalid_quantity"
	CodeDuplicateRequest        = "duplicate_request"
	CodeCantSubmit              = "cant_submit"
	CodeCannotOffer             = "cannot_offer"
	CodeInvalidAmount           = "invalid_amount_cents"
	CodeNotLastOffer            = "not_last_offer"
	CodeOfferNotFromBuyer       = "offer_not_from_buyer"
	CodeNotOfferAuthor          = "not_offer_author"
	CodeNotAwaitedParty         = "not_awaited_party"
	CodeNotParticipant          = "not_participant"
	CodeAlreadySubmitted        = "already_submitted"
	CodePendingOfferExists      = "pending_offer_exists"
	CodeOfferNotSubmitted       = "offer_not_submitted"
	CodeWrongFulfillmentType    = "wrong_fulfillment_type"
	CodeChargeAuthorization     = "charge_authorization_failed"
	CodeCaptureFailed           = "capture_failed"
	CodeRefundFailed            = "refund_failed"
	CodeInventoryFailure        = "inventory_failure"
	CodePaymentGatewayFailure   = "payment_gateway_failure"
	CodeTaxCalculatorFailure    = "tax_calculator_failure"
	CodeCatalogFailure          = "catalog_failure"
	CodeCommissionRateFailure   = "commission_rate_failure"
	CodePersistFailed           = "persist_failed"
	CodeNoPaymentToResume       = "no_payment_to_resume"
	CodeInvalidFulfillmentType  = "invalid_fulfillment_type"
	CodeInvalidOfferForOrder    = "invalid_offer"
	CodeMissingPaymentReference = "missing_payment_reference"
	CodeChargeVoided            = "charge_voided"
	CodeInvalidTotals           = "invalid_totals"
	CodeInvalidMode             = "invalid_mode"
)

// ValidationError reports an unmet precondition. It is always raised before
// any gateway call.
type ValidationError struct {
	Code string
	Data map[string]any
}

func NewValidationError(code string) *ValidationError {
	return &ValidationError{Code: code}
}

func (e *ValidationError) With(key string, value any) *ValidationError {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Code
}

type InsufficientInventoryError struct {
	ItemID   string
	Quantity int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for item %s (quantity %d)", e.ItemID, e.Quantity)
}

// ProcessingError reports an unexpected downstream failure: a timeout, a
// malformed response or a failed refund.
type ProcessingError struct {
	Code        string
	Message     string
	Transaction *Transaction
	Err         error
}

func (e *ProcessingError) Error() string {
	msg := "processing error: " + e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// FailedTransactionError reports an explicit decline by the payment gateway.
type FailedTransactionError struct {
	Code        string
	Transaction Transaction
}

func (e *FailedTransactionError) Error() string {
	return fmt.Sprintf("failed transaction: %s (%s: %s)", e.Code, e.Transaction.FailureCode, e.Transaction.FailureMessage)
}

// PaymentRequiresActionError is a suspended outcome: the client must complete
// an action (3-D Secure, say) and resubmit.
type PaymentRequiresActionError struct {
	ExternalID string
	ActionData map[string]any
}

func (e *PaymentRequiresActionError) Error() string {
	return "payment requires action"
}

func IsValidationCode(err error, code string) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == code
}
