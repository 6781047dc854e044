package monetization

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ProviderEvents   *prometheus.CounterVec
	FreeSlotRequests *prometheus.CounterVec
	FreeSlotsLeft    prometheus.Gauge
	Activations      *prometheus.CounterVec
	Expirations      prometheus.Counter
	RenewalAttempts  *prometheus.CounterVec
	StaleCancelled   prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promokit",
			Name:      "provider_events_total",
			Help:      "Provider events reconciled, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		FreeSlotRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promokit",
			Name:      "free_slot_requests_total",
			Help:      "Free slot requests by result.",
		}, []string{"result"}),
		FreeSlotsLeft: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "promokit",
			Name:      "free_slots_remaining",
			Help:      "Remaining free promotion slots as last observed.",
		}),
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promokit",
			Name:      "profile_activations_total",
			Help:      "Profile activations by plan.",
		}, []string{"plan"}),
		Expirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "promokit",
			Name:      "profile_expirations_total",
			Help:      "Profiles demoted after their paid period ended.",
		}),
		RenewalAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promokit",
			Name:      "renewal_attempts_total",
			Help:      "Auto-renewal attempts by result.",
		}, []string{"result"}),
		StaleCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "promokit",
			Name:      "stale_payments_cancelled_total",
			Help:      "Pending payments cancelled because no provider order was attached in time.",
		}),
	}
}

func (m *Metrics) providerEvent(p Provider, outcome string) {
	if m != nil {
		m.ProviderEvents.WithLabelValues(string(p), outcome).Inc()
	}
}

func (m *Metrics) freeSlotRequest(result string) {
	if m != nil {
		m.FreeSlotRequests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) freeSlotsLeft(n int) {
	if m != nil {
		m.FreeSlotsLeft.Set(float64(n))
	}
}

func (m *Metrics) activated(plan PlanType) {
	if m != nil {
		m.Activations.WithLabelValues(string(plan)).Inc()
	}
}

func (m *Metrics) expired(n int) {
	if m != nil && n > 0 {
		m.Expirations.Add(float64(n))
	}
}

func (m *Metrics) renewal(result string) {
	if m != nil {
		m.RenewalAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) staleCancelled(n int) {
	if m != nil && n > 0 {
		m.StaleCancelled.Add(float64(n))
	}
}
