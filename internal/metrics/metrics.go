// Package metrics exposes intake counters and delivery timings as Prometheus
// collectors.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mechnerve/mechnerve-website/internal/delivery"
	"github.com/mechnerve/mechnerve-website/internal/models"
)

const namespace = "intake"

// Metrics records pipeline and delivery events. It satisfies
// delivery.Recorder.
type Metrics struct {
	submissions      *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	confirmations    *prometheus.CounterVec
	fallbackAppends  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions handled, by kind and pipeline result.",
		}, []string{"kind", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Transport calls for operator notifications, by classification.",
		}, []string{"kind", "class"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Final delivery outcomes.",
		}, []string{"kind", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent dispatching one submission.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"kind"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation emails attempted, by result.",
		}, []string{"kind", "sent"}),
		fallbackAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_appends_total",
			Help:      "Writes to the fallback store, by result.",
		}, []string{"kind", "result"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.submissions,
			m.attempts,
			m.deliveries,
			m.deliveryDuration,
			m.confirmations,
			m.fallbackAppends,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// SubmissionFinished counts one pipeline result such as accepted or rejected.
func (m *Metrics) SubmissionFinished(kind models.Kind, result string) {
	m.submissions.WithLabelValues(kindLabel(kind), result).Inc()
}

// AttemptFinished implements delivery.Recorder.
func (m *Metrics) AttemptFinished(kind models.Kind, err error) {
	m.attempts.WithLabelValues(kindLabel(kind), attemptClass(err)).Inc()
}

// DeliveryFinished implements delivery.Recorder.
func (m *Metrics) DeliveryFinished(kind models.Kind, outcome models.DeliveryOutcome, took time.Duration) {
	m.deliveries.WithLabelValues(kindLabel(kind), outcome.Status.String()).Inc()
	m.deliveryDuration.WithLabelValues(kindLabel(kind)).Observe(took.Seconds())
}

// ConfirmationFinished implements delivery.Recorder.
func (m *Metrics) ConfirmationFinished(kind models.Kind, sent bool) {
	m.confirmations.WithLabelValues(kindLabel(kind), strconv.FormatBool(sent)).Inc()
}

// FallbackFinished implements delivery.Recorder.
func (m *Metrics) FallbackFinished(kind models.Kind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fallbackAppends.WithLabelValues(kindLabel(kind), result).Inc()
}

func attemptClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, delivery.ErrPermanent):
		return "permanent"
	default:
		return "transient"
	}
}

func kindLabel(kind models.Kind) string {
	if kind == "" {
		return "unknown"
	}
	return string(kind)
}
