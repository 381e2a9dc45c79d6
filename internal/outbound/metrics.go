package outbound

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	DeliveryTotal    *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "activitypub_delivery_total", Help: "LMTP delivery attempts by outcome."},
			[]string{"status"},
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "activitypub_delivery_duration_seconds",
				Help:    "Duration of LMTP delivery attempts.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
	}
	reg.MustRegister(m.DeliveryTotal, m.DeliveryDuration)
	return m
}

func (m *Metrics) observe(status string, seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryTotal.WithLabelValues(status).Inc()
	m.DeliveryDuration.Observe(seconds)
}
