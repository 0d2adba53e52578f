package monitoring

import (
	"strconv"
	"time"

	"videorelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RelayMetrics.
type PrometheusCollector struct {
	listeners       *prometheus.GaugeVec
	attachTotal     *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec
	relayedBytes    *prometheus.CounterVec
	upstreamConnect *prometheus.CounterVec
	streamStatus    *prometheus.GaugeVec
	breakerTrips    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec

	viewDuration prometheus.Histogram
}

// NewPrometheusCollector registers the relay metrics on reg. A nil reg
// selects the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		listeners: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "videorelay_listeners",
			Help: "Listeners currently attached to each stream",
		}, []string{"stream", "privileged"}),

		attachTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "videorelay_listener_attach_total",
			Help: "Listener attach events per stream",
		}, []string{"stream"}),

		evictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "videorelay_listener_evictions_total",
			Help: "Listeners dropped by the fan-out, by reason",
		}, []string{"stream", "reason"}),

		relayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "videorelay_relayed_bytes_total",
			Help: "Bytes read from each upstream and broadcast",
		}, []string{"stream"}),

		upstreamConnect: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "videorelay_upstream_connects_total",
			Help: "Upstream connect attempts by result",
		}, []string{"stream", "result"}),

		streamStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "videorelay_stream_status",
			Help: "Stream status (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}, []string{"stream"}),

		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "videorelay_upstream_breaker_trips_total",
			Help: "Times each upstream breaker opened",
		}, []string{"stream"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "videorelay_upstream_breaker_state",
			Help: "Upstream breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"stream"}),

		viewDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "videorelay_view_duration_seconds",
			Help:    "How long listeners stayed attached",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func (p *PrometheusCollector) ListenerAttached(stream string, privileged bool) {
	p.listeners.WithLabelValues(stream, strconv.FormatBool(privileged)).Inc()
	p.attachTotal.WithLabelValues(stream).Inc()
}

func (p *PrometheusCollector) ListenerDetached(stream string, privileged bool, viewed time.Duration) {
	p.listeners.WithLabelValues(stream, strconv.FormatBool(privileged)).Dec()
	p.viewDuration.Observe(viewed.Seconds())
}

func (p *PrometheusCollector) ListenerEvicted(stream, reason string) {
	p.evictionsTotal.WithLabelValues(stream, reason).Inc()
}

func (p *PrometheusCollector) BytesRelayed(stream string, n int) {
	p.relayedBytes.WithLabelValues(stream).Add(float64(n))
}

func (p *PrometheusCollector) UpstreamConnect(stream string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	p.upstreamConnect.WithLabelValues(stream, result).Inc()
}

func (p *PrometheusCollector) StatusChanged(stream string, status domain.Status) {
	p.streamStatus.WithLabelValues(stream).Set(float64(status))
}

var breakerStates = map[string]float64{"closed": 0, "half-open": 1, "open": 2}

func (p *PrometheusCollector) BreakerChanged(stream string, state string) {
	if state == "open" {
		p.breakerTrips.WithLabelValues(stream).Inc()
	}
	p.breakerState.WithLabelValues(stream).Set(breakerStates[state])
}
