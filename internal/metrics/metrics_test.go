package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("pushit")
	b := NewMetrics("pushit")

	a.Deliveries.WithLabelValues("sent").Add(3)
	b.Deliveries.WithLabelValues("sent").Inc()

	assert.Equal(t, float64(3), testutil.ToFloat64(a.Deliveries.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.Deliveries.WithLabelValues("sent")))
}
