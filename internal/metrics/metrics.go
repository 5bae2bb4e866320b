package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture loop
	FramesRead      atomic.Uint64
	FramesInferred  atomic.Uint64
	FramesPublished atomic.Uint64
	ReadErrors      atomic.Uint64
	CaptureRunning  atomic.Uint64 // 0 = stopped, 1 = running

	// Inference
	InferenceErrors    atomic.Uint64
	InferenceLatencyMs atomic.Uint64 // Last inference round trip in ms
	Detections         atomic.Uint64

	// Alerts and throttle
	RealtimeAlerts     atomic.Uint64
	OnDemandRequests   atomic.Uint64
	OnDemandDetected   atomic.Uint64
	OnDemandNotified   atomic.Uint64
	CooldownSuppressed atomic.Uint64
	LedgerWriteErrors  atomic.Uint64

	// Notification dispatcher
	AlertsQueued  atomic.Uint64
	AlertsDropped atomic.Uint64
	AlertsSent    atomic.Uint64
	AlertFailures atomic.Uint64

	// Event log and sinks
	EventsAppended atomic.Uint64
	SinkErrors     atomic.Uint64

	// Stream publisher
	StreamClients       atomic.Uint64
	StreamFramesEncoded atomic.Uint64
	StreamFramesDropped atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gaugeDef struct {
	name  string
	help  string
	value *atomic.Uint64
}

// registerPrometheusMetrics exposes every counter as a GaugeFunc on the private registry
func (m *Metrics) registerPrometheusMetrics() {
	defs := []gaugeDef{
		{"herdwatch_frames_read_total", "Total frames read from the camera", &m.FramesRead},
		{"herdwatch_frames_inferred_total", "Total frames sent to the detector", &m.FramesInferred},
		{"herdwatch_frames_published_total", "Total frames published as latest frame", &m.FramesPublished},
		{"herdwatch_read_errors_total", "Total camera read errors", &m.ReadErrors},
		{"herdwatch_capture_running", "Capture loop running (0=stopped, 1=running)", &m.CaptureRunning},
		{"herdwatch_inference_errors_total", "Total detector call failures", &m.InferenceErrors},
		{"herdwatch_inference_latency_ms", "Last detector round trip in milliseconds", &m.InferenceLatencyMs},
		{"herdwatch_detections_total", "Total detections above class threshold", &m.Detections},
		{"herdwatch_realtime_alerts_total", "Total continuous-class alerts", &m.RealtimeAlerts},
		{"herdwatch_ondemand_requests_total", "Total on-demand requests", &m.OnDemandRequests},
		{"herdwatch_ondemand_detected_total", "Total on-demand requests with a qualifying detection", &m.OnDemandDetected},
		{"herdwatch_ondemand_notified_total", "Total on-demand requests that produced an alert", &m.OnDemandNotified},
		{"herdwatch_cooldown_suppressed_total", "Total detections suppressed by an active cooldown", &m.CooldownSuppressed},
		{"herdwatch_ledger_write_errors_total", "Total alert ledger persistence failures", &m.LedgerWriteErrors},
		{"herdwatch_alerts_queued_total", "Total alerts accepted by the dispatcher", &m.AlertsQueued},
		{"herdwatch_alerts_dropped_total", "Total alerts dropped because the queue was full", &m.AlertsDropped},
		{"herdwatch_alerts_sent_total", "Total alert deliveries that succeeded", &m.AlertsSent},
		{"herdwatch_alert_failures_total", "Total alert deliveries that failed", &m.AlertFailures},
		{"herdwatch_events_appended_total", "Total entries appended to the event log", &m.EventsAppended},
		{"herdwatch_sink_errors_total", "Total event sink publish failures", &m.SinkErrors},
		{"herdwatch_stream_clients", "Number of connected MJPEG clients", &m.StreamClients},
		{"herdwatch_stream_frames_encoded_total", "Total JPEG frames encoded for streaming", &m.StreamFramesEncoded},
		{"herdwatch_stream_frames_dropped_total", "Total stream frames skipped for slow clients", &m.StreamFramesDropped},
	}

	for _, d := range defs {
		v := d.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: d.name, Help: d.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// UpdateInferenceLatency records the last detector round trip
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetCaptureRunning flips the capture gauge
func (m *Metrics) SetCaptureRunning(running bool) {
	if running {
		m.CaptureRunning.Store(1)
		return
	}
	m.CaptureRunning.Store(0)
}

// Registry exposes the private registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an http.Server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
