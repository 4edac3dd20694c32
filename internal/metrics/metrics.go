// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics объединяет коллекторы сервиса и их реестр.
type Metrics struct {
	registry *prometheus.Registry

	Subscribers     prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	AcceptTotal     *prometheus.CounterVec
	DraftsFinalized *prometheus.CounterVec
	StockDecrements prometheus.Counter
}

// New создаёт метрики и регистрирует их в собственном реестре.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pos_notify_subscribers",
			Help: "Number of connected terminal subscriptions.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_notify_events_published_total",
			Help: "Order events published to the notification channel.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_notify_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}),
		AcceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_order_accept_total",
			Help: "Accept calls by outcome (transitioned, noop).",
		}, []string{"outcome"}),
		DraftsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_drafts_finalized_total",
			Help: "Finalized drafts by resulting payment status.",
		}, []string{"payment_status"}),
		StockDecrements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_stock_commits_total",
			Help: "Orders whose stock was decremented.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Subscribers,
		m.EventsPublished,
		m.EventsDropped,
		m.AcceptTotal,
		m.DraftsFinalized,
		m.StockDecrements,
	)
	return m
}

// Handler возвращает обработчик /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
