package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// PaymentClient talks to the payment provider's hold/capture API.
type PaymentClient struct {
	c httpClient
}

func NewPaymentClient(baseURL string, hc *http.Client) *PaymentClient {
	return &PaymentClient{c: newHTTPClient(baseURL, hc)}
}

// Hold --> POST /holds
func (p *PaymentClient) Hold(ctx context.Context, req HoldRequest) (PaymentResult, error) {
	return p.call(ctx, "/holds", req)
}

// Capture --> POST /holds/:id/capture
func (p *PaymentClient) Capture(ctx context.Context, externalID string) (PaymentResult, error) {
	return p.call(ctx, "/holds/"+url.PathEscape(externalID)+"/capture", nil)
}

// Confirm --> POST /holds/:id/confirm
func (p *PaymentClient) Confirm(ctx context.Context, externalID string) (PaymentResult, error) {
	return p.call(ctx, "/holds/"+url.PathEscape(externalID)+"/confirm", nil)
}

// Refund --> POST /holds/:id/refund
func (p *PaymentClient) Refund(ctx context.Context, externalID string) (PaymentResult, error) {
	return p.call(ctx, "/holds/"+url.PathEscape(externalID)+"/refund", nil)
}

// call maps a 402 decline body to a failed result; transport errors and other
// statuses are returned as errors.
func (p *PaymentClient) call(ctx context.Context, path string, in any) (PaymentResult, error) {
	var res PaymentResult
	err := p.c.do(ctx, http.MethodPost, path, in, &res)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusPaymentRequired {
		return PaymentResult{Status: PaymentFailed, FailureCode: "declined", FailureMessage: se.Body}, nil
	}
	if err != nil {
		return PaymentResult{}, err
	}
	if res.Status == "" {
		res.Status = PaymentFailed
		res.FailureCode = "unknown_status"
	}
	return res, nil
}
