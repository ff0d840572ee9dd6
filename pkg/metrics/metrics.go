package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Gateway side
var (
	ConnectedTransports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_gateway_transports",
		Help: "Number of open downstream WebSocket connections",
	})

	AuthenticatedSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_gateway_subscribers",
		Help: "Number of distinct subscriber identities with a live transport on this gateway",
	})

	RoutedTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_gateway_routed_topics",
		Help: "Number of price topics this gateway currently receives from the bus",
	})

	FramesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_gateway_frames_delivered_total",
		Help: "Price frames queued to downstream transports",
	})

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketstream_frames_dropped_total",
			Help: "Frames dropped because a bounded queue was full",
		},
		[]string{"stage"}, // "transport", "bus", "relay", "control"
	)

	BusHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_bus_healthy",
		Help: "1 when the last bus ping succeeded",
	})
)

// Feed side
var (
	UpstreamState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_upstream_state",
		Help: "Upstream connection state (0=disconnected,1=connecting,2=authenticated,3=subscribing)",
	})

	UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_upstream_reconnects_total",
		Help: "Reconnect attempts against the price provider",
	})

	TicksPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_ticks_published_total",
		Help: "Price ticks handed to the sink",
	})

	MalformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_upstream_malformed_frames_total",
		Help: "Upstream frames that failed to parse and were discarded",
	})

	ProviderErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_upstream_provider_errors_total",
		Help: "Error frames returned by the provider",
	})
)

func init() {
	prometheus.MustRegister(ConnectedTransports, AuthenticatedSubscribers, RoutedTopics, FramesDelivered, FramesDropped, BusHealthy)
	prometheus.MustRegister(UpstreamState, UpstreamReconnects, TicksPublished, MalformedFrames, ProviderErrors)
}
