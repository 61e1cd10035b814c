// Package metrics exposes the node's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "clob"

// Metrics holds every collector on a private registry so tests can build
// as many instances as they like.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersAccepted  *prometheus.CounterVec // kind
	OrdersRejected  *prometheus.CounterVec // kind, reason
	OrdersCancelled prometheus.Counter
	Fills           prometheus.Counter
	FillLag         prometheus.Histogram
	HandlerFailures *prometheus.CounterVec // handler
	DispatchQueue   prometheus.Gauge
	Requests        *prometheus.CounterVec // operation, code
	PoolBusy        prometheus.Gauge
	Sessions        prometheus.Gauge
	LastPrice       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		OrdersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Orders accepted by the book.",
		}, []string{"kind"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before or by the book.",
		}, []string{"kind", "reason"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Successful cancellations.",
		}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Fills delivered to every handler.",
		}),
		FillLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fill_dispatch_lag_seconds",
			Help:      "Time between a fill being matched and its handlers finishing.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fill_handler_failures_total",
			Help:      "Fill handler errors by handler.",
		}, []string{"handler"}),
		DispatchQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Fills waiting for delivery.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol requests by operation and response code.",
		}, []string{"operation", "code"}),
		PoolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_busy",
			Help:      "Workers currently running a request.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_online",
			Help:      "Logged-in sessions.",
		}),
		LastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_trade_price",
			Help:      "Price of the most recent fill.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersAccepted, m.OrdersRejected, m.OrdersCancelled,
		m.Fills, m.FillLag, m.HandlerFailures, m.DispatchQueue,
		m.Requests, m.PoolBusy, m.Sessions, m.LastPrice,
	)
	return m
}

// FillDispatched implements events.Observer.
func (m *Metrics) FillDispatched(lag time.Duration) {
	m.Fills.Inc()
	m.FillLag.Observe(lag.Seconds())
}

// HandlerFailed implements events.Observer.
func (m *Metrics) HandlerFailed(handler string) {
	m.HandlerFailures.WithLabelValues(handler).Inc()
}

// QueueDepth implements events.Observer.
func (m *Metrics) QueueDepth(n int) {
	m.DispatchQueue.Set(float64(n))
}
