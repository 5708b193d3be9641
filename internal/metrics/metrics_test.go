package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/culinachef/subscription-go/internal/entitlement"
)

func TestResolutionCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.ResolutionCompleted(entitlement.SourceBackend, entitlement.SubscriptionStatus{Active: true}, false)
	rec.ResolutionCompleted(entitlement.SourceCache, entitlement.SubscriptionStatus{Active: false}, true)

	assert.Equal(t, float64(1), testutil.ToFloat64(rec.resolutions.WithLabelValues("backend", "active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.resolutions.WithLabelValues("cache", "inactive")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.fallbacks))
	assert.Equal(t, float64(0), testutil.ToFloat64(rec.lastActive), "gauge tracks the latest verdict")
}

func TestExtensionApplied(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ExtensionApplied()
	rec.ExtensionApplied()

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.extensions))
}

func TestObserveResolutionDuration(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveResolutionDuration(250 * time.Millisecond)

	count := testutil.CollectAndCount(rec.duration)
	assert.Equal(t, 1, count)
}
