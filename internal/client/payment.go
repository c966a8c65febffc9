// Package client holds HTTP clients for the collaborator services the saga
// depends on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/utafrali/fulfillment/pkg/httpclient"
)

// HTTPDoer is the interface for executing HTTP requests, satisfied by
// httpclient.Client.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// PaymentClient calls the external payment service.
type PaymentClient struct {
	httpClient HTTPDoer
	baseURL    string
	logger     *slog.Logger
}

// NewPaymentClient creates a payment service client.
func NewPaymentClient(httpClient HTTPDoer, baseURL string, logger *slog.Logger) *PaymentClient {
	return &PaymentClient{httpClient: httpClient, baseURL: baseURL, logger: logger}
}

// PaymentResult is the outcome of a successful charge.
type PaymentResult struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// ProcessPayment charges the order amount. The idempotency key makes the
// call safe to retry after a timeout: the payment service returns the
// original result instead of charging twice.
func (c *PaymentClient) ProcessPayment(ctx context.Context, orderID, userID string, amount int64, currency, method, idempotencyKey string) (*PaymentResult, error) {
	type processPaymentRequest struct {
		OrderID       string `json:"order_id"`
		UserID        string `json:"user_id"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		PaymentMethod string `json:"payment_method"`
	}

	req := processPaymentRequest{
		OrderID:       orderID,
		UserID:        userID,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: method,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("call payment service: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, httpclient.ParseResponseError(resp, "payment")
	}
	defer resp.Body.Close()

	var result PaymentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}

	c.logger.InfoContext(ctx, "payment processed",
		slog.String("order_id", orderID),
		slog.String("transaction_id", result.TransactionID),
	)

	return &result, nil
}

// RefundPayment refunds a captured payment.
func (c *PaymentClient) RefundPayment(ctx context.Context, paymentID, reason string) error {
	type refundRequest struct {
		Reason string `json:"reason"`
	}

	body, err := json.Marshal(refundRequest{Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal refund request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/payments/"+paymentID+"/refund", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create refund request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(ctx, httpReq)
	if err != nil {
		return fmt.Errorf("call payment service: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return httpclient.ParseResponseError(resp, "payment")
	}
	_ = resp.Body.Close()

	c.logger.InfoContext(ctx, "payment refunded", slog.String("payment_id", paymentID))

	return nil
}
