package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementOutcome("SUCCESS", "")
		m.ObserveCapture(time.Second)
		m.ObserveConfidence(0.5)
		m.ObserveGateSend("OPEN_GATE", "mqtt", nil)
		m.IncrementFailsafeClose()
		m.IncrementCorruptRecord()
		m.AddDroppedFrames(3)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementOutcome("FAILED", "NoMatch")
	m.IncrementOutcome("FAILED", "NoMatch")
	m.ObserveGateSend("OPEN_GATE", "", errors.New("unreachable"))
	m.ObserveGateSend("OPEN_GATE", "serial", nil)
	m.IncrementFailsafeClose()
	m.AddDroppedFrames(0)
	m.AddDroppedFrames(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CheckInOutcome.WithLabelValues("FAILED", "NoMatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateSends.WithLabelValues("OPEN_GATE", "none", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateSends.WithLabelValues("OPEN_GATE", "serial", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateFailsafeCloses))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DroppedFrames))
}
