package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/culinachef/subscription-go/internal/entitlement"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestResolutionCompleted_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	end := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	store.ResolutionCompleted(entitlement.SourceBackend,
		entitlement.SubscriptionStatus{Active: true, PeriodEnd: &end}, false)
	store.ResolutionCompleted(entitlement.SourceCache,
		entitlement.SubscriptionStatus{Active: false}, true)

	records, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, rec := range records {
		assert.NotEmpty(t, rec.EventID)
		assert.False(t, rec.Timestamp.IsZero())
	}

	var sources []entitlement.Source
	for _, rec := range records {
		sources = append(sources, rec.Source)
	}
	assert.Contains(t, sources, entitlement.SourceBackend)
	assert.Contains(t, sources, entitlement.SourceCache)

	for _, rec := range records {
		if rec.Source == entitlement.SourceBackend {
			assert.True(t, rec.Active)
			assert.False(t, rec.Fallback)
			require.NotNil(t, rec.PeriodEnd)
			assert.True(t, rec.PeriodEnd.Equal(end))
		} else {
			assert.False(t, rec.Active)
			assert.True(t, rec.Fallback)
			assert.Nil(t, rec.PeriodEnd)
		}
	}
}

func TestRecent_Limit(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		store.ResolutionCompleted(entitlement.SourcePlatform,
			entitlement.SubscriptionStatus{Active: true}, false)
	}

	records, err := store.Recent(3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRecent_Empty(t *testing.T) {
	store := newTestStore(t)

	records, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPruneOld(t *testing.T) {
	store := newTestStore(t)

	// Insert a record far older than the retention window directly.
	_, err := store.db.Exec(
		`INSERT INTO resolutions (event_id, timestamp, source, active, period_end, fallback) VALUES (?, ?, ?, ?, NULL, ?)`,
		"stale-event", time.Now().Add(-200*24*time.Hour).Unix(), "backend", 1, 0)
	require.NoError(t, err)

	// Any new record triggers pruning.
	store.ResolutionCompleted(entitlement.SourceBackend,
		entitlement.SubscriptionStatus{Active: true}, false)

	records, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, "stale-event", records[0].EventID)
}
