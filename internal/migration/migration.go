// Package migration moves subscription facts out of the plaintext
// preference store into the encrypted store. It runs once per install.
package migration

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/culinachef/subscription-go/internal/prefs"
	"github.com/culinachef/subscription-go/internal/securestore"
)

// migratedFlagKey marks a completed migration. The v1 suffix leaves room
// for a future storage format change to re-trigger migration.
const migratedFlagKey = "subscription_migrated_to_secure_v1"

// Legacy per-user preference key prefixes from before the encrypted store.
const (
	legacyLastPaymentPrefix = "subscription_last_payment_"
	legacyPeriodEndPrefix   = "subscription_period_end_"
	legacyAutoRenewPrefix   = "subscription_autorenew_"
)

// MigrateIfNeeded copies any legacy plaintext subscription facts for userID
// into the encrypted store, then deletes the plaintext copies. The
// completion flag is only set when at least one fact was found, so a
// migration that runs before sign-in retries once the user id is known.
//
// Returns whether a migration was performed.
func MigrateIfNeeded(p *prefs.Store, secure *securestore.Store, userID string) (bool, error) {
	if done, ok := p.GetBool(migratedFlagKey); ok && done {
		return false, nil
	}
	if userID == "" {
		log.Debug().Msg("Skipping subscription migration, no user signed in")
		return false, nil
	}

	var facts securestore.Facts
	found := 0

	lastPaymentKey := legacyLastPaymentPrefix + userID
	if v, ok := p.GetTime(lastPaymentKey); ok {
		facts.LastPayment = &v
		found++
	}
	periodEndKey := legacyPeriodEndPrefix + userID
	if v, ok := p.GetTime(periodEndKey); ok {
		facts.PeriodEnd = &v
		found++
	}
	autoRenewKey := legacyAutoRenewPrefix + userID
	if v, ok := p.GetBool(autoRenewKey); ok {
		facts.AutoRenew = v
		found++
	}

	if found == 0 {
		log.Debug().Str("user_id", userID).Msg("No legacy subscription facts to migrate")
		return false, nil
	}

	if err := secure.Save(facts); err != nil {
		return false, fmt.Errorf("failed to write migrated facts: %w", err)
	}
	if err := p.Set(migratedFlagKey, true); err != nil {
		return false, fmt.Errorf("failed to set migration flag: %w", err)
	}

	// Remove the plaintext copies last, after the encrypted write and the
	// flag are durable.
	for _, key := range []string{lastPaymentKey, periodEndKey, autoRenewKey} {
		if err := p.Delete(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete legacy subscription key")
		}
	}

	log.Info().Int("fields", found).Msg("Migrated subscription facts to encrypted store")
	return true, nil
}
