package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestJoinOutcomeCounters(t *testing.T) {
	before := testutil.ToFloat64(JoinsTotal.WithLabelValues("created"))
	JoinsTotal.WithLabelValues("created").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(JoinsTotal.WithLabelValues("created")))
}

func TestLifecycleMetrics(t *testing.T) {
	before := testutil.ToFloat64(InstancesReapedTotal)
	InstancesReapedTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(InstancesReapedTotal))

	InstancesActive.Set(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(InstancesActive))
}

func TestProxyOutcomeCounters(t *testing.T) {
	before := testutil.ToFloat64(ProxyRequestsTotal.WithLabelValues("unready"))
	ProxyRequestsTotal.WithLabelValues("unready").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ProxyRequestsTotal.WithLabelValues("unready")))
}
