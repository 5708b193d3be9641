// Package platform reads the device-local in-app-purchase entitlement
// ledger and talks to the store bridge for purchase operations.
package platform

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/culinachef/subscription-go/internal/entitlement"
	pkgerrs "github.com/culinachef/subscription-go/internal/errors"
)

// ledgerEntry is one transaction row in the platform's entitlement ledger.
type ledgerEntry struct {
	ProductID             string     `json:"product_id"`
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	ExpiresAt             *time.Time `json:"expires_at"`
	RevokedAt             *time.Time `json:"revoked_at"`
	WillRenew             bool       `json:"will_renew"`
}

// Reader reads the current entitlement from the ledger file. Every query
// re-reads the file so renewals the platform applies out-of-band are seen
// immediately. The reader holds no state beyond its configuration.
type Reader struct {
	path      string
	productID string
	now       func() time.Time
}

// NewReader creates a reader over the ledger at path, filtering to the
// given product.
func NewReader(path, productID string) *Reader {
	return &Reader{
		path:      path,
		productID: productID,
		now:       time.Now,
	}
}

// CurrentEntitlement returns the freshest non-revoked entitlement for the
// configured product, or nil when the ledger holds none. A missing ledger
// file means no entitlement, not an error.
func (r *Reader) CurrentEntitlement() (*entitlement.PlatformEntitlement, error) {
	entry, err := r.currentEntry()
	if err != nil || entry == nil {
		return nil, err
	}

	now := r.now()
	active := entry.RevokedAt == nil &&
		(entry.ExpiresAt == nil || now.Before(*entry.ExpiresAt))

	return &entitlement.PlatformEntitlement{
		Active:    active,
		WillRenew: entry.WillRenew,
		ExpiresAt: entry.ExpiresAt,
		Revoked:   entry.RevokedAt != nil,
	}, nil
}

// OriginalTransactionID returns the stable transaction chain id for the
// current entitlement, or "" when none exists.
func (r *Reader) OriginalTransactionID() string {
	entry, err := r.currentEntry()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read entitlement ledger for transaction id")
		return ""
	}
	if entry == nil {
		return ""
	}
	return entry.OriginalTransactionID
}

// currentEntry picks the entry with the latest purchase date for the
// configured product, preferring non-revoked entries.
func (r *Reader) currentEntry() (*ledgerEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read entitlement ledger: %w", err)
	}

	var entries []ledgerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: entitlement ledger: %v", pkgerrs.ErrInvalidResponse, err)
	}

	var best *ledgerEntry
	for i := range entries {
		e := &entries[i]
		if e.ProductID != r.productID {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		// A live entry beats a revoked one regardless of age.
		if best.RevokedAt != nil && e.RevokedAt == nil {
			best = e
			continue
		}
		if best.RevokedAt == nil && e.RevokedAt != nil {
			continue
		}
		if e.PurchaseDate.After(best.PurchaseDate) {
			best = e
		}
	}
	return best, nil
}
