// Package metrics contains definitions of most of the prometheus metrics
// that we use in tlsrelay.
//
// TODO(ameshkov): consider not using promauto.
package metrics

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// constants with the namespace and the subsystem names that we use in our
// prometheus metrics.
const (
	namespace = "tlsrelay"

	subsystemApp   = "app"
	subsystemRelay = "relay"
)

// ConnectionsTotal is a gauge with the total number of active connections
// to the service.
var ConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "conns_num",
	Help:      "The total number of active connections to the relay service.",
})

// HandshakeErrorsTotal is a counter of connections dropped because the TLS
// handshake failed, e.g. because of a missing or untrusted client
// certificate.
var HandshakeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "handshake_errors_total",
	Help:      "The total number of failed TLS handshakes.",
})

// ResumedSessionsTotal is a counter of TLS handshakes that resumed a cached
// session.
var ResumedSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "resumed_sessions_total",
	Help:      "The total number of abbreviated TLS handshakes.",
})

// RepliesTotal is a counter of replies sent to the clients by reply code.
var RepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "replies_total",
	Help:      "The total number of replies sent to the clients.",
}, []string{"code"})

// PanicsTotal is a counter of recovered panics.
var PanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "panics_total",
	Help:      "The total number of recovered panics.",
})

// BytesReceivedTotal is a counter that measures the number of bytes received
// from the destinations.
var BytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "bytes_received_total",
	Help:      "The total number of bytes received from the destinations.",
})

// BytesSentTotal is a counter that measures the number of bytes sent to the
// destinations.
var BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "bytes_sent_total",
	Help:      "The total number of bytes sent to the destinations.",
})

// destinations is the sketch of the destination hosts seen by the relay.
var destinations = &destinationSketch{
	sketch: hyperloglog.New16(),
}

// destinationSketch is a hyperloglog sketch protected by a mutex.
type destinationSketch struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// UniqueDestinations is a gauge with the estimated number of distinct
// destination hosts requested since start.
var UniqueDestinations = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "unique_destinations",
	Help:      "The estimated number of distinct destination hosts.",
}, func() (v float64) {
	return float64(EstimateDestinations())
})

// ObserveDestination adds host to the unique destinations estimate.
func ObserveDestination(host string) {
	destinations.mu.Lock()
	defer destinations.mu.Unlock()

	destinations.sketch.Insert([]byte(host))
}

// EstimateDestinations returns the estimated number of distinct hosts passed
// to ObserveDestination.
func EstimateDestinations() (n uint64) {
	destinations.mu.Lock()
	defer destinations.mu.Unlock()

	return destinations.sketch.Estimate()
}

// SetUpGauge signals that the server has been started.  Use a function here to
// avoid circular dependencies.
func SetUpGauge(version, branch, revision, goVersion string) {
	upGauge := promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:      "up",
			Namespace: namespace,
			Subsystem: subsystemApp,
			Help:      `A metric with a constant '1' value labeled by the build information.`,
			ConstLabels: prometheus.Labels{
				"version":   version,
				"branch":    branch,
				"revision":  revision,
				"goversion": goVersion,
			},
		},
	)

	upGauge.Set(1)
}
