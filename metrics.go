package hrfsring

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hrfsring"

type metrics struct {
	members       prometheus.Gauge
	ringUpdates   prometheus.Counter
	publishes     *prometheus.CounterVec
	lockWait      prometheus.Histogram
	sessionLosses prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	var m = &metrics{
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ring_members",
			Help:      "Number of members in the last ring seen by this node.",
		}),
		ringUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ring_updates_total",
			Help:      "Ring changes delivered by the watcher.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ring_publishes_total",
			Help:      "Rings published by this node, by operation.",
		}, []string{"op"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the ring lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		sessionLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_losses_total",
			Help:      "Coordination sessions lost by this node.",
		}),
	}

	if registerer == nil {
		return m
	}

	m.members = register(registerer, m.members)
	m.ringUpdates = register(registerer, m.ringUpdates)
	m.publishes = register(registerer, m.publishes)
	m.lockWait = register(registerer, m.lockWait)
	m.sessionLosses = register(registerer, m.sessionLosses)
	return m
}

// register registers c, reusing an identical collector that is already
// registered, e.g. after Reconnect or with several managers in one process.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	var err = registerer.Register(c)
	if err == nil {
		return c
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	return c
}
