package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	accepted      *prometheus.CounterVec
	connects      prometheus.Counter
	connectErrors prometheus.Counter
	drops         *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	unpaired      prometheus.Gauge
	pairs         prometheus.Gauge
	buffers       prometheus.Gauge
	flowDuration  prometheus.Histogram
	idleHandles   prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, idle func() int) *metrics {
	f := promauto.With(reg)
	idleHandles := f.NewGaugeFunc(prometheus.GaugeOpts{Name: "relay_idle_handles", Help: "Open handles with no interest at the end of the last loop iteration"}, func() float64 {
		return float64(idle())
	})
	return &metrics{
		accepted:      f.NewCounterVec(prometheus.CounterOpts{Name: "relay_accepted_total", Help: "Client connections accepted by listener protocol"}, []string{"protocol"}),
		connects:      f.NewCounter(prometheus.CounterOpts{Name: "relay_connects_total", Help: "Outbound connects started"}),
		connectErrors: f.NewCounter(prometheus.CounterOpts{Name: "relay_connect_errors_total", Help: "Outbound connects that failed"}),
		drops:         f.NewCounterVec(prometheus.CounterOpts{Name: "relay_drops_total", Help: "Legs torn down by role"}, []string{"role"}),
		bytes:         f.NewCounterVec(prometheus.CounterOpts{Name: "relay_bytes_total", Help: "Bytes read by direction"}, []string{"direction"}),
		unpaired:      f.NewGauge(prometheus.GaugeOpts{Name: "relay_unpaired_clients", Help: "Clients whose destination is not known yet"}),
		pairs:         f.NewGauge(prometheus.GaugeOpts{Name: "relay_pairs", Help: "Client/server pairs being relayed"}),
		buffers:       f.NewGauge(prometheus.GaugeOpts{Name: "relay_buffers_outstanding", Help: "Relay buffers handed out by the pool"}),
		flowDuration:  f.NewHistogram(prometheus.HistogramOpts{Name: "relay_flow_duration_seconds", Help: "Client connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}),
		idleHandles:   idleHandles,
	}
}

func direction(n *node) string {
	if n.isClient {
		return "upstream"
	}
	return "downstream"
}
