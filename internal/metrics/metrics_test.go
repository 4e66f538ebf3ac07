package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.TurnFinished("answered")
	m.ModelCall(time.Second, errors.New("down"))
	m.ToolAttempt("x", "ok")
	m.SubscriberRemoved(true)
	m.CacheLookup(true)
}

func TestCounters(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.TurnFinished("answered")
	m.TurnFinished("answered")
	m.ToolAttempt("lookup", "transient")
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("answered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolAttemptsTotal.WithLabelValues("lookup", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribersDropped))
}
