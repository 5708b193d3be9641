package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// PlatformReader queries the device-local entitlement ledger. It is
// stateless and never touches the network, so it stays available offline.
type PlatformReader interface {
	// CurrentEntitlement returns the entitlement for the app's product, or
	// nil when the ledger holds none.
	CurrentEntitlement() (*PlatformEntitlement, error)
}

// BackendClient calls the remote authority's status endpoint.
type BackendClient interface {
	Status(ctx context.Context, accessToken string) (*BackendStatus, error)
}

// LegacySource reads the pre-validation subscription row directly.
type LegacySource interface {
	Fetch(ctx context.Context, accessToken string) (*BackendStatus, error)
}

// Observer receives the outcome of every completed resolution.
type Observer interface {
	ResolutionCompleted(source Source, status SubscriptionStatus, fallback bool)
}

// Resolver reconciles the platform ledger, the backend, and the local cache
// into a single subscription status. It is the only writer of CachedFacts
// during resolution; concurrent callers are coalesced onto one in-flight
// resolution so divergent writes cannot occur.
type Resolver struct {
	env       Environment
	platform  PlatformReader
	backend   BackendClient
	legacy    LegacySource
	store     FactsStore
	extension *ExtensionCalculator
	observers []Observer
	now       func() time.Time
	log       zerolog.Logger

	group singleflight.Group

	mu        sync.Mutex
	seq       uint64 // next resolution sequence number
	persisted uint64 // highest sequence that persisted facts
}

// ResolverConfig wires a Resolver. Legacy and Observers are optional.
type ResolverConfig struct {
	Environment Environment
	Platform    PlatformReader
	Backend     BackendClient
	Legacy      LegacySource
	Store       FactsStore
	Observers   []Observer
}

// NewResolver creates a resolver for the given environment and sources.
func NewResolver(cfg ResolverConfig) *Resolver {
	return &Resolver{
		env:       cfg.Environment,
		platform:  cfg.Platform,
		backend:   cfg.Backend,
		legacy:    cfg.Legacy,
		store:     cfg.Store,
		extension: NewExtensionCalculator(cfg.Store),
		observers: cfg.Observers,
		now:       time.Now,
		log:       log.With().Str("component", "resolver").Logger(),
	}
}

// Extension exposes the resolver's extension calculator so callers can
// attach the metrics hook.
func (r *Resolver) Extension() *ExtensionCalculator {
	return r.extension
}

// Resolve determines the current subscription status. It never returns an
// error: every source failure degrades to the next source in the chain,
// ending at the cached facts. With userPresent false it returns an inactive
// status without any I/O.
//
// Concurrent calls join the in-flight resolution instead of racing it.
func (r *Resolver) Resolve(ctx context.Context, userPresent bool, accessToken string) SubscriptionStatus {
	if !userPresent {
		return SubscriptionStatus{}
	}

	v, _, _ := r.group.Do("resolve", func() (interface{}, error) {
		seq := r.nextSeq()
		start := time.Now()
		status, source, fallback := r.resolveOnce(ctx, accessToken, seq)
		elapsed := time.Since(start)

		r.log.Debug().
			Str("source", string(source)).
			Bool("active", status.Active).
			Bool("fallback", fallback).
			Dur("elapsed", elapsed).
			Msg("Resolved subscription status")

		for _, obs := range r.observers {
			obs.ResolutionCompleted(source, status, fallback)
			if d, ok := obs.(interface{ ObserveResolutionDuration(time.Duration) }); ok {
				d.ObserveResolutionDuration(elapsed)
			}
		}
		return status, nil
	})

	return v.(SubscriptionStatus)
}

func (r *Resolver) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// persist writes the facts derived from a completed network resolution,
// discarding stale completions: an older in-flight result never overwrites
// the facts persisted by a newer one.
func (r *Resolver) persist(seq uint64, status SubscriptionStatus) {
	r.mu.Lock()
	if seq < r.persisted {
		r.mu.Unlock()
		r.log.Debug().Uint64("seq", seq).Msg("Discarding stale resolution result")
		return
	}
	r.persisted = seq
	r.mu.Unlock()

	if err := r.store.Save(FactsFromStatus(status)); err != nil {
		r.log.Warn().Err(err).Msg("Failed to persist subscription facts")
	}
}

func (r *Resolver) resolveOnce(ctx context.Context, accessToken string, seq uint64) (SubscriptionStatus, Source, bool) {
	if PrimarySource(r.env) == SourcePlatform {
		return r.resolvePlatformFirst(ctx, accessToken, seq)
	}
	return r.resolveBackendFirst(ctx, accessToken, seq)
}

// resolvePlatformFirst serves sandboxed environments, where the backend
// cannot validate against the vendor's sandbox.
func (r *Resolver) resolvePlatformFirst(ctx context.Context, accessToken string, seq uint64) (SubscriptionStatus, Source, bool) {
	ent, err := r.platform.CurrentEntitlement()
	if err != nil {
		r.log.Warn().Err(err).Msg("Platform entitlement query failed")
	}

	if ent != nil && ent.Active {
		status := SubscriptionStatus{
			Active:    true,
			PeriodEnd: ent.ExpiresAt,
			AutoRenew: ent.WillRenew,
		}
		// Best-effort enrichment with payment-history fields; a backend
		// failure must not block the positive platform verdict.
		if bs := r.tryBackend(ctx, accessToken); bs != nil {
			status.LastPayment = bs.LastPaymentAt
			if status.PeriodEnd == nil {
				status.PeriodEnd = bs.CurrentPeriodEnd
			}
		}
		r.persist(seq, status)
		return status, SourcePlatform, false
	}

	// Platform reports inactive: give the backend a chance before giving up.
	if bs := r.tryBackend(ctx, accessToken); bs != nil {
		status := statusFromBackend(bs)
		r.persist(seq, status)
		return status, SourceBackend, false
	}

	return r.resolveLocal()
}

// resolveBackendFirst serves production, where the backend's independent
// vendor validation is authoritative.
func (r *Resolver) resolveBackendFirst(ctx context.Context, accessToken string, seq uint64) (SubscriptionStatus, Source, bool) {
	bs := r.tryBackend(ctx, accessToken)
	if bs != nil {
		if bs.Active {
			status := statusFromBackend(bs)
			r.persist(seq, status)
			return status, SourceBackend, false
		}

		// The platform's ledger may be briefly ahead of the backend's sync:
		// an inactive backend verdict can be overridden by an active platform
		// entitlement. The reverse never happens; an active backend verdict
		// always wins.
		if ent, err := r.platform.CurrentEntitlement(); err == nil && ent != nil && ent.Active {
			r.log.Warn().
				Str("backend_status", bs.Status).
				Msg("Backend reports inactive but platform ledger is active; falling back to platform")
			status := SubscriptionStatus{
				Active:      true,
				PeriodEnd:   ent.ExpiresAt,
				LastPayment: bs.LastPaymentAt,
				AutoRenew:   ent.WillRenew,
			}
			r.persist(seq, status)
			return status, SourcePlatform, true
		}

		status := statusFromBackend(bs)
		r.persist(seq, status)
		return status, SourceBackend, false
	}

	// Backend unreachable. The platform ledger is the freshest remaining
	// authority; it works offline and reflects renewals immediately.
	if ent, err := r.platform.CurrentEntitlement(); err == nil && ent != nil && ent.Active {
		r.log.Warn().Msg("Backend unreachable; falling back to platform entitlement")
		status := SubscriptionStatus{
			Active:    true,
			PeriodEnd: ent.ExpiresAt,
			AutoRenew: ent.WillRenew,
		}
		r.persist(seq, status)
		return status, SourcePlatform, true
	}

	if r.legacy != nil && accessToken != "" {
		if row, err := r.legacy.Fetch(ctx, accessToken); err == nil && row != nil {
			status := statusFromBackend(row)
			r.persist(seq, status)
			return status, SourceLegacy, true
		} else if err != nil {
			r.log.Warn().Err(err).Msg("Legacy subscription row fetch failed")
		}
	}

	return r.resolveLocal()
}

// tryBackend returns the backend status, or nil when the backend is
// unavailable or no token is held. Failures are logged, never propagated.
func (r *Resolver) tryBackend(ctx context.Context, accessToken string) *BackendStatus {
	if accessToken == "" {
		return nil
	}
	bs, err := r.backend.Status(ctx, accessToken)
	if err != nil {
		r.log.Warn().Err(err).Msg("Backend status fetch failed")
		return nil
	}
	return bs
}

// resolveLocal is the end of the chain: cached facts plus at most one
// bounded extension. Nothing is persisted here beyond what the extension
// itself writes.
func (r *Resolver) resolveLocal() (SubscriptionStatus, Source, bool) {
	facts, _ := r.extension.Apply()
	return StatusFromFacts(facts, r.now()), SourceCache, true
}

func statusFromBackend(bs *BackendStatus) SubscriptionStatus {
	return SubscriptionStatus{
		Active:      bs.Active,
		PeriodEnd:   bs.CurrentPeriodEnd,
		LastPayment: bs.LastPaymentAt,
		AutoRenew:   bs.AutoRenew,
	}
}
