package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "p2pstore"

type metrics struct {
	messages *prometheus.CounterVec
	floods   prometheus.Counter
	expired  prometheus.Counter
	entries  prometheus.Gauge
	tracked  prometheus.Gauge
	peers    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound messages by type and verdict.",
		}, []string{"type", "verdict"}),
		floods: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "flooded_frames_total",
			Help:      "Frames queued to peers while flooding accepted mutations.",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "expired_total",
			Help:      "Entries removed by the TTL sweep.",
		}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries",
			Help:      "Entries physically held by the store.",
		}),
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "tracked_keys",
			Help:      "Keys with a sequence watermark.",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "peers",
			Help:      "Registered peers.",
		}),
	}
}
