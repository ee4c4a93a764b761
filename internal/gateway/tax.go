package gateway

import (
	"context"
	"net/http"
)

type TaxClient struct {
	c httpClient
}

func NewTaxClient(baseURL string, hc *http.Client) *TaxClient {
	return &TaxClient{c: newHTTPClient(baseURL, hc)}
}

type taxResponse struct {
	AmountToCollectCents int64 `json:"amount_to_collect_cents"`
}

// ComputeTax --> POST /taxes
func (t *TaxClient) ComputeTax(ctx context.Context, req TaxRequest) (int64, error) {
	var res taxResponse
	if err := t.c.do(ctx, http.MethodPost, "/taxes", req, &res); err != nil {
		return 0, err
	}
	return res.AmountToCollectCents, nil
}

// RecordCollected --> POST /transactions/orders
func (t *TaxClient) RecordCollected(ctx context.Context, rec TaxRecord) error {
	err := t.c.do(ctx, http.MethodPost, "/transactions/orders", rec, nil)
	// already recorded
	if statusIs(err, http.StatusConflict) {
		return nil
	}
	return err
}

// RecordRefund --> POST /transactions/refunds
func (t *TaxClient) RecordRefund(ctx context.Context, rec TaxRecord) error {
	err := t.c.do(ctx, http.MethodPost, "/transactions/refunds", rec, nil)
	if statusIs(err, http.StatusConflict) {
		return nil
	}
	return err
}
