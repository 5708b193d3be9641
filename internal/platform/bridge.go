package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrs "github.com/culinachef/subscription-go/internal/errors"
)

// Product is the store listing for a purchasable product.
type Product struct {
	ProductID    string `json:"product_id"`
	DisplayName  string `json:"display_name"`
	DisplayPrice string `json:"display_price"`
	PriceCents   int    `json:"price_cents"`
	Currency     string `json:"currency"`
}

// Transaction is a verified purchase transaction returned by the bridge.
type Transaction struct {
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	ProductID             string     `json:"product_id"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	ExpiresAt             *time.Time `json:"expires_at"`
}

// PurchaseResult is the bridge's verdict on a purchase attempt.
type PurchaseResult struct {
	// Outcome is one of "success", "cancelled", "pending" or "unverified".
	Outcome     string       `json:"outcome"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// Purchase outcomes reported by the bridge.
const (
	OutcomeSuccess    = "success"
	OutcomeCancelled  = "cancelled"
	OutcomePending    = "pending"
	OutcomeUnverified = "unverified"
)

// Bridge is an HTTP client for the local store bridge, the process that
// owns the actual storefront session. The engine never talks to the vendor
// directly.
type Bridge struct {
	baseURL string
	client  *http.Client
}

// NewBridge creates a client for the bridge at baseURL.
func NewBridge(baseURL string) *Bridge {
	return &Bridge{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// LoadProduct fetches the store listing for productID. A 404 means the
// product is not available for sale in the current storefront.
func (b *Bridge) LoadProduct(ctx context.Context, productID string) (*Product, error) {
	var product Product
	if err := b.get(ctx, "/v1/products/"+productID, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// Purchase runs the storefront purchase flow for productID and blocks until
// the user finishes or abandons it.
func (b *Bridge) Purchase(ctx context.Context, productID string) (*PurchaseResult, error) {
	var result PurchaseResult
	err := b.post(ctx, "/v1/purchase", map[string]string{"product_id": productID}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Restore asks the storefront to re-sync past transactions into the local
// ledger, typically after a reinstall or device migration.
func (b *Bridge) Restore(ctx context.Context) error {
	return b.post(ctx, "/v1/restore", nil, nil)
}

func (b *Bridge) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *Bridge) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *Bridge) do(req *http.Request, out interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return pkgerrs.WrapConnectionError(req.Method+" "+req.URL.Path, "bridge", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pkgerrs.WrapAPIError(req.Method+" "+req.URL.Path, "bridge",
			fmt.Errorf("bridge returned status %d", resp.StatusCode), resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", pkgerrs.ErrInvalidResponse, err)
	}
	return nil
}
