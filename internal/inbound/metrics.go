package inbound

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
)

// Message outcomes.
const (
	OutcomeActivity   = "activity"
	OutcomeNotJSON    = "not_json"
	OutcomeParseError = "parse_error"
)

type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	ActivitiesTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "activitypub_inbound_messages_total", Help: "Inbound messages by outcome."},
			[]string{"outcome"},
		),
		ActivitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "activitypub_inbound_activities_total", Help: "Inbound activities by type."},
			[]string{"type"},
		),
	}
	reg.MustRegister(m.MessagesTotal, m.ActivitiesTotal)
	return m
}

func (m *Metrics) message(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) activity(t activity.Type) {
	if m == nil {
		return
	}
	m.ActivitiesTotal.WithLabelValues(activityLabel(t)).Inc()
}

// activityLabel keeps the type label bounded: remote senders choose the type.
func activityLabel(t activity.Type) string {
	switch t {
	case activity.TypeFollow, activity.TypeAccept, activity.TypeReject, activity.TypeCreate, activity.TypeUndo:
		return string(t)
	case "":
		return "unknown"
	}
	return "other"
}
