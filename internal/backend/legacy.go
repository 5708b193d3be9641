package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/culinachef/subscription-go/internal/entitlement"
	pkgerrs "github.com/culinachef/subscription-go/internal/errors"
)

// LegacyClient reads the subscription row straight from the database REST
// layer, the way the app worked before the validating backend existed. It
// survives as a fallback for backend outages and is trusted less: the row
// reflects payment records, not vendor-validated entitlement.
type LegacyClient struct {
	baseURL string
	apiKey  string
	userID  func() string
	client  *http.Client
	now     func() time.Time
}

// NewLegacyClient creates a legacy row reader. userID supplies the current
// account id; it is called per fetch so sign-in changes are picked up.
func NewLegacyClient(baseURL, apiKey string, userID func() string) *LegacyClient {
	return &LegacyClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		userID:  userID,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		now: time.Now,
	}
}

// Fetch reads the subscription row for the current user. A user with no row
// returns nil without error. The Active field is computed locally from the
// period end because the legacy layer stores no validated flag.
func (c *LegacyClient) Fetch(ctx context.Context, accessToken string) (*entitlement.BackendStatus, error) {
	uid := c.userID()
	if uid == "" {
		return nil, nil
	}

	endpoint := c.baseURL + "/rest/v1/subscriptions?user_id=eq." + url.QueryEscape(uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, pkgerrs.WrapConnectionError("fetch_legacy_row", "legacy", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, pkgerrs.NewSourceError(pkgerrs.ErrorTypeAuth, "fetch_legacy_row", "legacy",
			fmt.Errorf("legacy layer rejected credentials with status %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, pkgerrs.WrapAPIError("fetch_legacy_row", "legacy",
			fmt.Errorf("legacy layer returned status %d", resp.StatusCode), resp.StatusCode)
	}

	var rows []entitlement.BackendStatus
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, pkgerrs.NewSourceError(pkgerrs.ErrorTypeDecode, "fetch_legacy_row", "legacy",
			fmt.Errorf("%w: %v", pkgerrs.ErrInvalidResponse, err))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	row.Active = row.CurrentPeriodEnd != nil && c.now().Before(*row.CurrentPeriodEnd)
	return &row, nil
}
