package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"order-exchange/internal/entity"
	"order-exchange/internal/service"
)

// RateSetter updates a partner's commission rate.
type RateSetter interface {
	SetRate(ctx context.Context, partnerID string, rate decimal.Decimal) error
}

type OrderHandler struct {
	orders *service.OrderService
	offers *service.OfferService
	rates  RateSetter
}

// NewOrderHandler creates a new instance of OrderHandler
func NewOrderHandler(orders *service.OrderService, offers *service.OfferService, rates RateSetter) *OrderHandler {
	return &OrderHandler{orders: orders, offers: offers, rates: rates}
}

// Register mounts the order routes on g. g is expected to run the JWT
// middleware.
func (h *OrderHandler) Register(g *echo.Group) {
	g.POST("/orders", h.CreateOrder)
	g.GET("/orders/:id", h.GetOrder)
	g.PUT("/orders/:id/shipping", h.SetShipping)
	g.PUT("/orders/:id/payment", h.SetPayment)
	g.POST("/orders/:id/submit", h.transition(h.orders.Submit))
	g.POST("/orders/:id/confirm-payment", h.transition(h.orders.ConfirmPayment))
	g.POST("/orders/:id/approve", h.transition(h.orders.Approve))
	g.POST("/orders/:id/reject", h.transition(h.orders.Reject))
	g.POST("/orders/:id/cancel", h.transition(h.orders.BuyerCancel))
	g.POST("/orders/:id/fulfill", h.FulfillAtOnce)
	g.POST("/orders/:id/confirm-pickup", h.transition(h.orders.ConfirmPickup))
	g.POST("/orders/:id/confirm-fulfillment", h.transition(h.orders.ConfirmFulfillment))
	g.POST("/orders/:id/refund", h.adminTransition(h.orders.Refund))
	g.POST("/orders/:id/return", h.adminTransition(h.orders.Return))

	g.POST("/orders/:id/offers", h.CreateOffer)
	g.POST("/orders/:id/offers/:offer_id/submit-order", h.offerTransition(h.offers.SubmitOrderWithOffer))
	g.POST("/orders/:id/offers/:offer_id/submit", h.offerTransition(h.offers.SubmitPendingOffer))
	g.POST("/orders/:id/offers/:offer_id/accept", h.offerTransition(h.offers.AcceptOffer))
	g.POST("/orders/:id/offers/:offer_id/confirm-payment", h.offerTransition(h.offers.ConfirmOfferPayment))
	g.POST("/orders/:id/offers/:offer_id/reject", h.offerTransition(h.offers.RejectOffer))

	g.PUT("/admin/commission-rates/:partner_id", h.SetCommissionRate)
}

type createOrderRequest struct {
	ArtworkID    string      `json:"artwork_id"`
	EditionSetID string      `json:"edition_set_id"`
	Quantity     int         `json:"quantity"`
	Mode         entity.Mode `json:"mode"`
}

// CreateOrder opens a new order for the caller --> /orders
func (h *OrderHandler) CreateOrder(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return writeError(c, err)
	}
	req := createOrderRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
	}
	if req.Mode == "" {
		req.Mode = entity.ModeBuy
	}

	order, err := h.orders.Create(c.Request().Context(), actor, service.CreateRequest{
		ItemID:         req.ArtworkID,
		EditionSetID:   req.EditionSetID,
		Quantity:       req.Quantity,
		Mode:           req.Mode,
		IdempotencyKey: c.Request().Header.Get("Idempotent-Key"),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, order)
}

// GetOrder --> /orders/:id
func (h *OrderHandler) GetOrder(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return writeError(c, err)
	}
	order, err := h.orders.Get(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

type shippingRequest struct {
	FulfillmentType entity.FulfillmentType `json:"fulfillment_type"`
	Address         *entity.Address        `json:"shipping_address"`
}

func (h *OrderHandler) SetShipping(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return writeError(c, err)
	}
	req := shippingRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
	}
	order, err := h.orders.SetShipping(c.Request().Context(), actor, c.Param("id"), service.ShippingRequest{
		FulfillmentType: req.FulfillmentType,
		Address:         req.Address,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) SetPayment(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return writeError(c, err)
	}
	req := struct {
		PaymentMethodID string `json:"payment_method_id"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
	}
	order, err := h.orders.SetPayment(c.Request().Context(), actor, c.Param("id"), req.PaymentMethodID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

// FulfillAtOnce records shipment details --> /orders/:id/fulfill
func (h *OrderHandler) FulfillAtOnce(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return writeError(c, err)
	}
	req := struct {
		Courier           string `json:"courier"`
		TrackingID        string `json:"tracking_id"`
		EstimatedDelivery string `json:"estimated_delivery"`
		Notes             string `json:"notes"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
	}
	order, err := h.orders.FulfillAtOnce(c.Request().Context(), actor, c.Param("id"), service.FulfillmentRequest{
		Courier:           req.Courier,
		TrackingID:        req.TrackingID,
		EstimatedDelivery: req.EstimatedDelivery,
		Notes:             req.Notes,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

type transitionFunc func(ctx context.Context, actor service.Actor, id string) (*entity.Order, error)

func (h *OrderHandler) transition(fn transitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := actorFrom(c)
		if err != nil {
			return writeError(c, err)
		}
		order, err := fn(c.Request().Context(), actor, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, order)
	}
}

func (h *OrderHandler) adminTransition(fn transitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := adminFrom(c)
		if err != nil {
			return writeError(c, err)
		}
		order, err := fn(c.Request().Context(), actor, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, order)
	}
}

type offerRequest struct {
	AmountCents  int64  `json:"amount_cents"`
	Note         string `json:"note"`
	RespondsToID string `json:"responds_to_id"`
}

// CreateOffer drafts an offer, or a counter-offer when responds_to_id is
// set --> /orders/:id/offers
func (h *OrderHandler) CreateOffer(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return writeError(c, err)
	}
	req := offerRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
	}

	create := h.offers.CreatePendingOffer
	if req.RespondsToID != "" {
		create = h.offers.CreatePendingCounterOffer
	}
	_, offer, err := create(c.Request().Context(), actor, c.Param("id"), service.OfferRequest{
		AmountCents:  req.AmountCents,
		Note:         req.Note,
		RespondsToID: req.RespondsToID,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, offer)
}

type offerTransitionFunc func(ctx context.Context, actor service.Actor, orderID, offerID string) (*entity.Order, error)

func (h *OrderHandler) offerTransition(fn offerTransitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := actorFrom(c)
		if err != nil {
			return writeError(c, err)
		}
		order, err := fn(c.Request().Context(), actor, c.Param("id"), c.Param("offer_id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, order)
	}
}

// SetCommissionRate --> /admin/commission-rates/:partner_id
func (h *OrderHandler) SetCommissionRate(c echo.Context) error {
	if _, err := adminFrom(c); err != nil {
		return writeError(c, err)
	}
	req := struct {
		Rate decimal.Decimal `json:"rate"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
	}
	if req.Rate.IsNegative() || req.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_rate"})
	}
	partnerID := c.Param("partner_id")
	if err := h.rates.SetRate(c.Request().Context(), partnerID, req.Rate); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"partner_id": partnerID, "rate": req.Rate.String()})
}
