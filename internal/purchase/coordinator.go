// Package purchase coordinates the storefront purchase flow with the
// backend and the resolution engine.
package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/culinachef/subscription-go/internal/backend"
	"github.com/culinachef/subscription-go/internal/entitlement"
	"github.com/culinachef/subscription-go/internal/platform"
)

// Purchase flow errors surfaced to the caller.
var (
	ErrNotSignedIn        = errors.New("purchase requires a signed-in user")
	ErrProductUnavailable = errors.New("product not available for sale")
	ErrVerificationFailed = errors.New("transaction failed verification")
)

// Outcome is the caller-facing result of a purchase attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomePending   Outcome = "pending"
)

// StoreBridge is the storefront surface the coordinator needs.
// platform.Bridge satisfies it.
type StoreBridge interface {
	LoadProduct(ctx context.Context, productID string) (*platform.Product, error)
	Purchase(ctx context.Context, productID string) (*platform.PurchaseResult, error)
	Restore(ctx context.Context) error
}

// BackendWriter is the backend surface the coordinator needs.
// backend.Client satisfies it.
type BackendWriter interface {
	UpdateSubscription(ctx context.Context, accessToken string, req backend.UpdateRequest) error
	UpsertSubscription(ctx context.Context, accessToken string, req backend.UpsertRequest) (*entitlement.BackendStatus, error)
}

// StatusResolver re-resolves the subscription status after a state change.
type StatusResolver interface {
	Resolve(ctx context.Context, userPresent bool, accessToken string) entitlement.SubscriptionStatus
}

// AggressivePoller shortens the polling cadence after a purchase.
type AggressivePoller interface {
	StartAggressive()
}

// Config holds the product identity and pricing for manual subscription
// writes.
type Config struct {
	ProductID  string
	Plan       string
	PriceCents int
	Currency   string
}

// Coordinator runs purchases end to end: storefront flow, backend sync,
// and re-resolution. It holds no subscription state of its own.
type Coordinator struct {
	cfg      Config
	bridge   StoreBridge
	backend  BackendWriter
	resolver StatusResolver
	poller   AggressivePoller
	token    func() string
	log      zerolog.Logger

	product *platform.Product
}

// NewCoordinator wires a coordinator. token supplies the current session's
// access token, empty when signed out. poller may be nil.
func NewCoordinator(cfg Config, bridge StoreBridge, bw BackendWriter, resolver StatusResolver, poller AggressivePoller, token func() string) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		bridge:   bridge,
		backend:  bw,
		resolver: resolver,
		poller:   poller,
		token:    token,
		log:      log.With().Str("component", "purchase").Logger(),
	}
}

// Product returns the store listing, loading it lazily on first use.
func (c *Coordinator) Product(ctx context.Context) (*platform.Product, error) {
	if c.product != nil {
		return c.product, nil
	}
	product, err := c.bridge.LoadProduct(ctx, c.cfg.ProductID)
	if err != nil {
		c.log.Warn().Err(err).Str("product_id", c.cfg.ProductID).Msg("Failed to load product")
		return nil, ErrProductUnavailable
	}
	c.product = product
	return product, nil
}

// Purchase runs the storefront purchase flow. On success the new state is
// reported to the backend, the status is re-resolved, and aggressive
// polling starts so the backend's own verdict is picked up quickly.
func (c *Coordinator) Purchase(ctx context.Context) (Outcome, entitlement.SubscriptionStatus, error) {
	accessToken := c.token()
	if accessToken == "" {
		return "", entitlement.SubscriptionStatus{}, ErrNotSignedIn
	}

	product, err := c.Product(ctx)
	if err != nil {
		return "", entitlement.SubscriptionStatus{}, err
	}

	result, err := c.bridge.Purchase(ctx, product.ProductID)
	if err != nil {
		return "", entitlement.SubscriptionStatus{}, err
	}

	switch result.Outcome {
	case platform.OutcomeCancelled:
		c.log.Info().Msg("Purchase cancelled by user")
		return OutcomeCancelled, entitlement.SubscriptionStatus{}, nil

	case platform.OutcomePending:
		// Deferred approval (family sharing, parental consent). The ledger
		// updates whenever the transaction eventually lands.
		c.log.Info().Msg("Purchase pending external approval")
		return OutcomePending, entitlement.SubscriptionStatus{}, nil

	case platform.OutcomeUnverified:
		c.log.Error().Msg("Purchase transaction failed verification")
		return "", entitlement.SubscriptionStatus{}, ErrVerificationFailed

	case platform.OutcomeSuccess:
		// Handled below.

	default:
		c.log.Error().Str("outcome", result.Outcome).Msg("Bridge returned unknown purchase outcome")
		return "", entitlement.SubscriptionStatus{}, ErrVerificationFailed
	}

	// Re-resolve first so the backend receives the refreshed facts, not the
	// pre-purchase ones.
	status := c.resolver.Resolve(ctx, true, accessToken)

	if txn := result.Transaction; txn != nil {
		c.syncPurchase(entitlement.PurchaseEvent{
			TransactionID:         txn.TransactionID,
			OriginalTransactionID: txn.OriginalTransactionID,
			ProductID:             txn.ProductID,
		}, status, accessToken)
	}

	if c.poller != nil {
		c.poller.StartAggressive()
	}

	c.log.Info().Bool("active", status.Active).Msg("Purchase completed")
	return OutcomeSuccess, status, nil
}

// syncPurchase pushes the normalized facts plus the original transaction id
// to the backend in the background. The local entitlement is already live;
// a sync failure only delays the backend's view until the next poll.
func (c *Coordinator) syncPurchase(event entitlement.PurchaseEvent, status entitlement.SubscriptionStatus, accessToken string) {
	req := backend.UpdateRequest{
		TransactionID:    event.OriginalTransactionID,
		Plan:             c.cfg.Plan,
		Status:           statusLabel(status),
		AutoRenew:        status.AutoRenew,
		LastPaymentAt:    status.LastPayment,
		CurrentPeriodEnd: status.PeriodEnd,
		PriceCents:       c.cfg.PriceCents,
		Currency:         c.cfg.Currency,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.backend.UpdateSubscription(ctx, accessToken, req); err != nil {
			c.log.Warn().Err(err).
				Str("original_transaction_id", event.OriginalTransactionID).
				Msg("Failed to report purchase to backend, next poll will reconcile")
		}
	}()
}

func statusLabel(status entitlement.SubscriptionStatus) string {
	if status.Active {
		return "active"
	}
	return "expired"
}

// Restore re-syncs past transactions from the storefront and re-resolves.
func (c *Coordinator) Restore(ctx context.Context) (entitlement.SubscriptionStatus, error) {
	accessToken := c.token()
	if accessToken == "" {
		return entitlement.SubscriptionStatus{}, ErrNotSignedIn
	}
	if err := c.bridge.Restore(ctx); err != nil {
		return entitlement.SubscriptionStatus{}, err
	}
	return c.resolver.Resolve(ctx, true, accessToken), nil
}

// SubscribeManual writes an active subscription row directly to the
// backend, bypassing the storefront. Used for out-of-band grants.
func (c *Coordinator) SubscribeManual(ctx context.Context) (entitlement.SubscriptionStatus, error) {
	accessToken := c.token()
	if accessToken == "" {
		return entitlement.SubscriptionStatus{}, ErrNotSignedIn
	}

	_, err := c.backend.UpsertSubscription(ctx, accessToken, backend.UpsertRequest{
		Plan:       c.cfg.Plan,
		Status:     "active",
		AutoRenew:  true,
		PriceCents: c.cfg.PriceCents,
		Currency:   c.cfg.Currency,
	})
	if err != nil {
		return entitlement.SubscriptionStatus{}, err
	}

	return c.resolver.Resolve(ctx, true, accessToken), nil
}

// CancelAutoRenew turns off renewal. Access continues until the period end,
// so a still-running period becomes "in_grace" rather than "expired".
func (c *Coordinator) CancelAutoRenew(ctx context.Context, current entitlement.SubscriptionStatus) (entitlement.SubscriptionStatus, error) {
	accessToken := c.token()
	if accessToken == "" {
		return entitlement.SubscriptionStatus{}, ErrNotSignedIn
	}

	status := "expired"
	if current.PeriodEnd != nil && time.Now().Before(*current.PeriodEnd) {
		status = "in_grace"
	}

	_, err := c.backend.UpsertSubscription(ctx, accessToken, backend.UpsertRequest{
		Plan:              c.cfg.Plan,
		Status:            status,
		AutoRenew:         false,
		CancelAtPeriodEnd: true,
		PriceCents:        c.cfg.PriceCents,
		Currency:          c.cfg.Currency,
	})
	if err != nil {
		return entitlement.SubscriptionStatus{}, err
	}

	c.log.Info().Str("status", status).Msg("Auto-renew cancelled")
	return c.resolver.Resolve(ctx, true, accessToken), nil
}
