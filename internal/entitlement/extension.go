package entitlement

import (
	"time"

	"github.com/rs/zerolog/log"
)

// GracePeriod bounds optimistic local extension to subscriptions that lapsed
// very recently, likely because of a sync delay rather than a cancellation.
const GracePeriod = 24 * time.Hour

// FactsStore is the persistence surface the engine needs.
// internal/securestore.Store satisfies it.
type FactsStore interface {
	Load() (CachedFacts, error)
	Save(CachedFacts) error
}

// ExtensionCalculator decides whether a cached, nominally-expired,
// auto-renewing subscription should be treated as still active while no
// network authority is reachable.
type ExtensionCalculator struct {
	store FactsStore
	now   func() time.Time

	// OnExtend is invoked after a successful extension (metrics hook).
	OnExtend func()
}

// NewExtensionCalculator creates a calculator over the given store.
func NewExtensionCalculator(store FactsStore) *ExtensionCalculator {
	return &ExtensionCalculator{
		store: store,
		now:   time.Now,
	}
}

// Apply evaluates the cached facts and performs at most one bounded
// extension: a subscription whose period end passed less than GracePeriod
// ago, with auto-renew on, gets one additional billing period
// (newLastPayment = old period end). Anything older stays expired until a
// network authority confirms otherwise. A single step per call keeps a
// skewed clock from granting unbounded free access; the next call
// re-evaluates from the persisted state.
func (c *ExtensionCalculator) Apply() (CachedFacts, bool) {
	facts, err := c.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load cached subscription facts")
		return CachedFacts{}, false
	}

	if !facts.AutoRenew || facts.PeriodEnd == nil {
		return facts, false
	}

	now := c.now()
	if now.Before(*facts.PeriodEnd) {
		// Still active, nothing to extend.
		return facts, false
	}

	elapsedSinceExpiry := now.Sub(*facts.PeriodEnd)
	if elapsedSinceExpiry >= GracePeriod {
		return facts, false
	}

	newLastPayment := *facts.PeriodEnd
	newPeriodEnd := addOneMonth(*facts.PeriodEnd)

	extended := facts
	extended.LastPayment = &newLastPayment
	extended.PeriodEnd = &newPeriodEnd

	if err := c.store.Save(extended); err != nil {
		log.Warn().Err(err).Msg("Failed to persist extended subscription facts")
		return facts, false
	}

	log.Info().
		Time("old_period_end", *facts.PeriodEnd).
		Time("new_period_end", newPeriodEnd).
		Msg("Extended recently-expired auto-renewing subscription by one period")

	if c.OnExtend != nil {
		c.OnExtend()
	}

	return extended, true
}

func addOneMonth(t time.Time) time.Time {
	return t.AddDate(0, 1, 0)
}
