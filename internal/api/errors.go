package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"order-exchange/internal/entity"
	"order-exchange/internal/lock"
)

var errForbidden = errors.New("forbidden")

// writeError maps domain errors onto status codes. The body always carries
// a machine readable "error" code.
func writeError(c echo.Context, err error) error {
	var (
		ve  *entity.ValidationError
		ie  *entity.InsufficientInventoryError
		fte *entity.FailedTransactionError
		rae *entity.PaymentRequiresActionError
		pe  *entity.ProcessingError
	)
	switch {
	case errors.Is(err, errUnauthorized):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, errForbidden):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.As(err, &ve):
		body := map[string]any{"error": ve.Code}
		if len(ve.Data) > 0 {
			body["data"] = ve.Data
		}
		return c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, entity.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.As(err, &ie):
		return c.JSON(http.StatusConflict, map[string]any{"error": "insufficient_inventory", "artwork_id": ie.ItemID})
	case errors.Is(err, entity.ErrConcurrentUpdate), errors.Is(err, lock.ErrLockHeld):
		return c.JSON(http.StatusConflict, map[string]string{"error": "order_busy"})
	case errors.As(err, &rae):
		return c.JSON(http.StatusPaymentRequired, map[string]any{
			"error":       "payment_requires_action",
			"external_id": rae.ExternalID,
			"action_data": rae.ActionData,
		})
	case errors.As(err, &fte):
		return c.JSON(http.StatusPaymentRequired, map[string]any{
			"error":           fte.Code,
			"failure_code":    fte.Transaction.FailureCode,
			"failure_message": fte.Transaction.FailureMessage,
			"decline_code":    fte.Transaction.DeclineCode,
		})
	case errors.As(err, &pe):
		log.Error().Err(err).Str("path", c.Path()).Msg("processing error")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": pe.Code})
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("unexpected error")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}
