// Package metrics exposes Prometheus instrumentation for the resolution
// engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/culinachef/subscription-go/internal/entitlement"
)

const (
	namespace = "culinachef"
	subsystem = "subscription"
)

// Recorder holds the engine's metrics. It implements entitlement.Observer
// so it can be attached directly to the resolver.
type Recorder struct {
	resolutions *prometheus.CounterVec
	fallbacks   prometheus.Counter
	extensions  prometheus.Counter
	lastActive  prometheus.Gauge
	duration    prometheus.Histogram
}

// NewRecorder registers the engine's metrics with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resolutions_total",
			Help:      "Completed status resolutions by source and outcome.",
		}, []string{"source", "outcome"}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fallbacks_total",
			Help:      "Resolutions that used a non-primary source.",
		}),
		extensions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "local_extensions_total",
			Help:      "Optimistic offline period extensions applied.",
		}),
		lastActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Whether the last resolution reported an active subscription.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resolution_duration_seconds",
			Help:      "Wall time of status resolutions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
}

// ResolutionCompleted records one resolution outcome.
func (r *Recorder) ResolutionCompleted(source entitlement.Source, status entitlement.SubscriptionStatus, fallback bool) {
	outcome := "inactive"
	if status.Active {
		outcome = "active"
	}
	r.resolutions.WithLabelValues(string(source), outcome).Inc()
	if fallback {
		r.fallbacks.Inc()
	}
	if status.Active {
		r.lastActive.Set(1)
	} else {
		r.lastActive.Set(0)
	}
}

// ObserveResolutionDuration records how long one resolution took.
func (r *Recorder) ObserveResolutionDuration(d time.Duration) {
	r.duration.Observe(d.Seconds())
}

// ExtensionApplied counts one local period extension. Wire it to
// ExtensionCalculator.OnExtend.
func (r *Recorder) ExtensionApplied() {
	r.extensions.Inc()
}
