// Package metrics exposes Prometheus instrumentation for the sync path.
//
// Scrape it from /metrics on the local API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"possync/backend/internal/domain"
)

type Metrics struct {
	Registry *prometheus.Registry

	cycles       *prometheus.CounterVec
	records      *prometheus.CounterVec
	pushDuration *prometheus.HistogramVec
	online       prometheus.Gauge
	pending      *prometheus.GaugeVec
	lastSuccess  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "possync",
				Subsystem: "sync",
				Name:      "cycles_total",
				Help:      "Sync cycles by outcome.",
			},
			[]string{"outcome"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "possync",
				Subsystem: "sync",
				Name:      "records_total",
				Help:      "Records pushed to the remote, by kind and result.",
			},
			[]string{"kind", "result"}, // "pushed" | "failed"
		),
		pushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "possync",
				Subsystem: "sync",
				Name:      "push_duration_seconds",
				Help:      "Latency of a single record upsert.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
			[]string{"kind"},
		),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "possync",
			Subsystem: "sync",
			Name:      "online",
			Help:      "1 when the last probe reached the internet.",
		}),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "possync",
				Subsystem: "sync",
				Name:      "pending_records",
				Help:      "Locally modified records not yet acknowledged by the remote.",
			},
			[]string{"kind"},
		),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "possync",
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that completed.",
		}),
	}

	m.Registry.MustRegister(collectors.NewGoCollector())
	m.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.Registry.MustRegister(m.cycles, m.records, m.pushDuration, m.online, m.pending, m.lastSuccess)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(result domain.CycleResult) {
	m.cycles.WithLabelValues(string(result.Outcome)).Inc()
	if result.Outcome == domain.OutcomeOK {
		m.lastSuccess.Set(float64(result.StartedAt.Add(result.Duration).Unix()))
	}
}

func (m *Metrics) ObservePush(kind domain.EntityKind, took time.Duration, err error) {
	m.pushDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
	result := "pushed"
	if err != nil {
		result = "failed"
	}
	m.records.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

func (m *Metrics) SetPending(counts map[domain.EntityKind]int) {
	for kind, n := range counts {
		m.pending.WithLabelValues(string(kind)).Set(float64(n))
	}
}
