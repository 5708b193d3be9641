package entitlement

import (
	"time"

	"github.com/culinachef/subscription-go/internal/securestore"
)

// CachedFacts is the persisted fact set the engine falls back to when no
// network source is reachable.
type CachedFacts = securestore.Facts

// Source identifies an entitlement authority.
type Source string

const (
	// SourcePlatform is the device-local in-app-purchase entitlement ledger.
	SourcePlatform Source = "platform"
	// SourceBackend is the remote authority that re-validates purchases
	// against the vendor's server-to-server API.
	SourceBackend Source = "backend"
	// SourceLegacy is the direct subscription-row read that predates the
	// validating backend.
	SourceLegacy Source = "legacy"
	// SourceCache is the local encrypted fact store.
	SourceCache Source = "cache"
)

// SubscriptionStatus is the canonical output of a resolution. It is
// ephemeral and recomputed on every Resolve call.
type SubscriptionStatus struct {
	Active      bool       `json:"is_active"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	LastPayment *time.Time `json:"last_payment,omitempty"`
	AutoRenew   bool       `json:"auto_renew"`
}

// PlatformEntitlement is the current entitlement as reported by the
// device-local ledger. Read fresh on each query, never cached by the engine;
// it does not reflect revocations the platform has not yet delivered.
type PlatformEntitlement struct {
	Active    bool
	WillRenew bool
	ExpiresAt *time.Time
	Revoked   bool
}

// BackendStatus is the DTO returned by the remote authority's status
// endpoint. It is decomposed into CachedFacts fields, never persisted as-is.
type BackendStatus struct {
	UserID            string     `json:"user_id"`
	Plan              string     `json:"plan"`
	Status            string     `json:"status"`
	AutoRenew         bool       `json:"auto_renew"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	LastPaymentAt     *time.Time `json:"last_payment_at"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end"`
	PriceCents        int        `json:"price_cents"`
	Currency          string     `json:"currency"`
	// Active is the authoritative boolean, independent of the date math.
	Active bool `json:"is_active"`
}

// PurchaseEvent carries the identifiers of a completed platform purchase.
// The original transaction id is stable across renewals and is what the
// backend binds the subscription to for cross-account abuse detection.
type PurchaseEvent struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
}

// StatusFromFacts derives a status from cached facts alone: active exactly
// when a period end exists and lies in the future.
func StatusFromFacts(facts CachedFacts, now time.Time) SubscriptionStatus {
	return SubscriptionStatus{
		Active:      facts.PeriodEnd != nil && now.Before(*facts.PeriodEnd),
		PeriodEnd:   facts.PeriodEnd,
		LastPayment: facts.LastPayment,
		AutoRenew:   facts.AutoRenew,
	}
}

// FactsFromStatus extracts the persistable facts from a resolved status.
func FactsFromStatus(status SubscriptionStatus) CachedFacts {
	return CachedFacts{
		LastPayment: status.LastPayment,
		PeriodEnd:   status.PeriodEnd,
		AutoRenew:   status.AutoRenew,
	}
}
