// Package backend talks to the remote subscription authority, the service
// that re-validates purchases against the vendor's server API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/culinachef/subscription-go/internal/entitlement"
	pkgerrs "github.com/culinachef/subscription-go/internal/errors"
)

const defaultTimeout = 30 * time.Second

// Client is an HTTP client for the subscription backend.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Status fetches the authoritative subscription status for the holder of
// accessToken. Auth rejections come back as source-unavailable errors, not
// as "unsubscribed": an expired session token says nothing about the
// subscription itself.
func (c *Client) Status(ctx context.Context, accessToken string) (*entitlement.BackendStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/subscription/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var status entitlement.BackendStatus
	if err := c.do(req, "fetch_status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// UpdateRequest carries the normalized subscription facts pushed to the
// backend after a purchase, together with the original transaction id so
// the backend can bind the subscription to the transaction chain and
// re-validate it server-side.
type UpdateRequest struct {
	TransactionID     string     `json:"transaction_id"`
	Plan              string     `json:"plan"`
	Status            string     `json:"status"`
	AutoRenew         bool       `json:"auto_renew"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	LastPaymentAt     *time.Time `json:"last_payment_at"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end"`
	PriceCents        int        `json:"price_cents"`
	Currency          string     `json:"currency"`
}

// UpdateSubscription reports a completed platform purchase to the backend.
func (c *Client) UpdateSubscription(ctx context.Context, accessToken string, req UpdateRequest) error {
	return c.postJSON(ctx, "/subscription/update", accessToken, "report_purchase", req, nil)
}

// UpsertRequest describes a manual subscription change, used by the
// non-storefront subscribe and cancel paths.
type UpsertRequest struct {
	Plan              string `json:"plan"`
	Status            string `json:"status"`
	AutoRenew         bool   `json:"auto_renew"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	PriceCents        int    `json:"price_cents"`
	Currency          string `json:"currency"`
}

// UpsertSubscription creates or updates the subscription row directly.
func (c *Client) UpsertSubscription(ctx context.Context, accessToken string, req UpsertRequest) (*entitlement.BackendStatus, error) {
	var status entitlement.BackendStatus
	if err := c.postJSON(ctx, "/subscription/upsert", accessToken, "upsert_subscription", req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) postJSON(ctx context.Context, path, accessToken, op string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return pkgerrs.NewSourceError(pkgerrs.ErrorTypeTimeout, op, "backend", err)
		}
		return pkgerrs.WrapConnectionError(op, "backend", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return pkgerrs.NewSourceError(pkgerrs.ErrorTypeAuth, op, "backend",
			fmt.Errorf("backend rejected credentials with status %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return pkgerrs.WrapAPIError(op, "backend",
			fmt.Errorf("backend returned status %d", resp.StatusCode), resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrs.NewSourceError(pkgerrs.ErrorTypeDecode, op, "backend",
			fmt.Errorf("%w: %v", pkgerrs.ErrInvalidResponse, err))
	}
	return nil
}
