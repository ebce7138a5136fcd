package orch

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Joins   *prometheus.CounterVec
	Members prometheus.Gauge
	Kicks   prometheus.Counter
	Answers *prometheus.CounterVec
}

// NewMetrics registers on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meet",
			Name:      "joins_total",
			Help:      "Channel join attempts by result code.",
		}, []string{"result"}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meet",
			Name:      "members",
			Help:      "Members currently admitted to a channel.",
		}),
		Kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meet",
			Name:      "backpressure_kicks_total",
			Help:      "Members kicked for a full signaling queue.",
		}),
		Answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meet",
			Name:      "answers_total",
			Help:      "SDP answers by request type and result code.",
		}, []string{"request", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Joins, m.Members, m.Kicks, m.Answers)
	}
	return m
}
