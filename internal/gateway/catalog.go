package gateway

import (
	"context"
	"net/http"
	"net/url"

	"order-exchange/internal/entity"
)

// CatalogClient talks to the product catalog service, which owns both item
// metadata and stock counts.
type CatalogClient struct {
	c httpClient
}

func NewCatalogClient(baseURL string, hc *http.Client) *CatalogClient {
	return &CatalogClient{c: newHTTPClient(baseURL, hc)}
}

type stockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Item --> GET /products/:id
func (c *CatalogClient) Item(ctx context.Context, itemID string) (*CatalogItem, error) {
	var item CatalogItem
	err := c.c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(itemID), nil, &item)
	if statusIs(err, http.StatusNotFound) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Reserve --> POST /products/reserve
func (c *CatalogClient) Reserve(ctx context.Context, itemID string, quantity int) error {
	err := c.c.do(ctx, http.MethodPost, "/products/reserve", stockRequest{ProductID: itemID, Quantity: quantity}, nil)
	if statusIs(err, http.StatusConflict, http.StatusUnprocessableEntity) {
		return ErrInsufficientStock
	}
	return err
}

// Release --> POST /products/release
func (c *CatalogClient) Release(ctx context.Context, itemID string, quantity int) error {
	err := c.c.do(ctx, http.MethodPost, "/products/release", stockRequest{ProductID: itemID, Quantity: quantity}, nil)
	// already released or never reserved
	if statusIs(err, http.StatusNotFound, http.StatusConflict) {
		return nil
	}
	return err
}
