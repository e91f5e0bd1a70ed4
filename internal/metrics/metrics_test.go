package metrics_test

import (
	"fmt"
	"testing"

	"github.com/ameshkov/tlsrelay/internal/metrics"
	"github.com/stretchr/testify/assert"
)

func TestObserveDestination(t *testing.T) {
	before := metrics.EstimateDestinations()

	for i := range 100 {
		host := fmt.Sprintf("host-%d.example", i)

		// Repeated hosts must not inflate the estimate.
		metrics.ObserveDestination(host)
		metrics.ObserveDestination(host)
	}

	got := metrics.EstimateDestinations() - before

	assert.InDelta(t, 100, float64(got), 5)
}
