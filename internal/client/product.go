package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/utafrali/fulfillment/pkg/httpclient"
)

// ProductClient calls the product catalog service.
type ProductClient struct {
	httpClient HTTPDoer
	baseURL    string
	logger     *slog.Logger
}

// NewProductClient creates a product service client.
func NewProductClient(httpClient HTTPDoer, baseURL string, logger *slog.Logger) *ProductClient {
	return &ProductClient{httpClient: httpClient, baseURL: baseURL, logger: logger}
}

// Product is the catalog data needed to snapshot an order line.
type Product struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// GetProduct resolves a product's current name and price.
func (c *ProductClient) GetProduct(ctx context.Context, productID string) (*Product, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/products/"+productID, nil)
	if err != nil {
		return nil, fmt.Errorf("create product request: %w", err)
	}

	resp, err := c.httpClient.Do(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("call product service: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, "product")
	}
	defer resp.Body.Close()

	var product Product
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		return nil, fmt.Errorf("decode product response: %w", err)
	}

	c.logger.DebugContext(ctx, "product resolved",
		slog.String("product_id", product.ID),
		slog.String("name", product.Name),
	)

	return &product, nil
}
