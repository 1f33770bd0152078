// Package metrics holds the prometheus collectors for playback orchestration
// and media delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssignmentsTotal counts assignment outcomes: success, failure, rejected, scheduled, noop.
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_assignments_total",
		Help: "Video assignment outcomes by result",
	}, []string{"result"})

	// RendererRestartsTotal counts loop-monitor restarts by trigger.
	RendererRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_renderer_restarts_total",
		Help: "Playback restarts issued by the renderer monitor loop",
	}, []string{"reason"})

	RendererCommandErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_renderer_command_errors_total",
		Help: "Failed transport-control commands by action",
	}, []string{"action"})

	StreamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcast_stream_bytes_total",
		Help: "Media bytes written to renderer devices",
	})

	StreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_stream_requests_total",
		Help: "Media requests by resolution path (cache, disk, fallback)",
	}, []string{"resolution"})

	StreamDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcast_stream_client_disconnects_total",
		Help: "Renderer disconnects observed mid-transfer",
	})

	ActiveServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopcast_stream_servers_active",
		Help: "Media listeners currently bound",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopcast_streaming_sessions_active",
		Help: "Streaming sessions currently registered",
	})

	StallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_session_stalls_total",
		Help: "Stalled streaming sessions by recovery outcome",
	}, []string{"outcome"})

	DiscoveryTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_discovery_ticks_total",
		Help: "Discovery loop iterations by result",
	}, []string{"result"})

	RegisteredDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopcast_devices_registered",
		Help: "Devices currently in the registry",
	})
)

// IncAssignment records an assignment outcome.
func IncAssignment(result string) {
	AssignmentsTotal.WithLabelValues(result).Inc()
}

// IncRestart records a monitor-triggered playback restart.
func IncRestart(reason string) {
	RendererRestartsTotal.WithLabelValues(reason).Inc()
}

func IncCommandError(action string) {
	RendererCommandErrorsTotal.WithLabelValues(action).Inc()
}

func IncStreamRequest(resolution string) {
	StreamRequestsTotal.WithLabelValues(resolution).Inc()
}

func IncStall(outcome string) {
	StallsTotal.WithLabelValues(outcome).Inc()
}

func IncDiscoveryTick(result string) {
	DiscoveryTicksTotal.WithLabelValues(result).Inc()
}
