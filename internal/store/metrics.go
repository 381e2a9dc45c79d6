package store

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AppendedTotal *prometheus.CounterVec
	ErrorsTotal   *prometheus.CounterVec
	CorruptTotal  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AppendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "activitypub_store_appended_total", Help: "Entries appended to a collection."},
			[]string{"collection"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "activitypub_store_errors_total", Help: "Failed collection operations."},
			[]string{"collection", "op"},
		),
		CorruptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "activitypub_store_corrupt_total", Help: "Collection reads that found unparsable content and reset to empty."},
			[]string{"collection"},
		),
	}
	reg.MustRegister(m.AppendedTotal, m.ErrorsTotal, m.CorruptTotal)
	return m
}

func (m *Metrics) appended(collection string) {
	if m == nil {
		return
	}
	m.AppendedTotal.WithLabelValues(collection).Inc()
}

func (m *Metrics) storeError(collection, op string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(collection, op).Inc()
}

func (m *Metrics) corrupt(collection string) {
	if m == nil {
		return
	}
	m.CorruptTotal.WithLabelValues(collection).Inc()
}
