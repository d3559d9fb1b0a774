package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the check-in kiosk. All methods are
// safe to call on a nil receiver.
type Metrics struct {
	// Check-in attempt outcomes by outcome and reason
	CheckInOutcome *prometheus.CounterVec

	// Time from the first frame to a captured probe
	CaptureDuration prometheus.Histogram

	// Match confidence of every scored probe
	MatchConfidence prometheus.Histogram

	// Gate command sends by transport and result
	GateSends *prometheus.CounterVec

	// Gates closed by the fail-safe timer rather than an explicit close
	GateFailsafeCloses prometheus.Counter

	// Enrollment records skipped on load
	CorruptRecords prometheus.Counter

	// Frames overwritten in the capture slot before being consumed
	DroppedFrames prometheus.Counter
}

// New creates a Metrics instance registered on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CheckInOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_checkin_outcomes_total",
			Help: "Check-in attempt outcomes",
		}, []string{"outcome", "reason"}), // outcome: SUCCESS, FAILED, CANCELLED

		CaptureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkpoint_capture_duration_seconds",
			Help:    "Time to capture a stable face sample",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30, 60, 120},
		}),

		MatchConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkpoint_match_confidence",
			Help:    "Best-candidate confidence of scored probes",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		GateSends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_gate_sends_total",
			Help: "Gate command sends by transport and result",
		}, []string{"command", "transport", "result"}),

		GateFailsafeCloses: f.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_gate_failsafe_closes_total",
			Help: "Gate sessions closed by the open-duration timer",
		}),

		CorruptRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_vault_corrupt_records_total",
			Help: "Enrollment records skipped because they failed to decrypt or parse",
		}),

		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "checkpoint_capture_dropped_frames_total",
			Help: "Camera frames overwritten before the worker consumed them",
		}),
	}
}

// IncrementOutcome records a check-in attempt outcome.
func (m *Metrics) IncrementOutcome(outcome, reason string) {
	if m != nil {
		m.CheckInOutcome.WithLabelValues(outcome, reason).Inc()
	}
}

func (m *Metrics) ObserveCapture(d time.Duration) {
	if m != nil {
		m.CaptureDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveConfidence(c float64) {
	if m != nil {
		m.MatchConfidence.Observe(c)
	}
}

// ObserveGateSend records one gate send attempt. transport is empty when no
// transport was available.
func (m *Metrics) ObserveGateSend(command, transport string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	if transport == "" {
		transport = "none"
	}
	m.GateSends.WithLabelValues(command, transport, result).Inc()
}

func (m *Metrics) IncrementFailsafeClose() {
	if m != nil {
		m.GateFailsafeCloses.Inc()
	}
}

func (m *Metrics) IncrementCorruptRecord() {
	if m != nil {
		m.CorruptRecords.Inc()
	}
}

func (m *Metrics) AddDroppedFrames(n uint64) {
	if m != nil && n > 0 {
		m.DroppedFrames.Add(float64(n))
	}
}
