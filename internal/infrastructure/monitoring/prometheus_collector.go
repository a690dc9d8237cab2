package monitoring

import (
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	// Gauges
	sessionsActive   prometheus.Gauge
	roomsActive      prometheus.Gauge
	transportsActive *prometheus.GaugeVec
	producersActive  *prometheus.GaugeVec
	consumersActive  *prometheus.GaugeVec

	// Counters
	sessionsTotal   prometheus.Counter
	signalRequests  *prometheus.CounterVec
	engineCalls     *prometheus.CounterVec
	engineDeaths    prometheus.Counter
	ingestsOpened   prometheus.Counter

	// Histograms
	signalDuration *prometheus.HistogramVec
	engineDuration *prometheus.HistogramVec
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the sfugate metrics with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "sfugate_sessions_active",
			Help: "Number of open peer sessions",
		}),

		roomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "sfugate_rooms_active",
			Help: "Number of live rooms",
		}),

		transportsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfugate_transports_active",
			Help: "Number of open transports by role",
		}, []string{"role"}),

		producersActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfugate_producers_active",
			Help: "Number of live producers by kind",
		}, []string{"kind"}),

		consumersActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfugate_consumers_active",
			Help: "Number of live consumers by kind",
		}, []string{"kind"}),

		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sfugate_sessions_total",
			Help: "Total number of peer sessions opened",
		}),

		signalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sfugate_signal_requests_total",
			Help: "Signaling requests by message type and result code",
		}, []string{"type", "code"}),

		engineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sfugate_engine_calls_total",
			Help: "Media engine calls by operation and outcome",
		}, []string{"operation", "result"}),

		engineDeaths: f.NewCounter(prometheus.CounterOpts{
			Name: "sfugate_engine_deaths_total",
			Help: "Number of times the media engine died",
		}),

		ingestsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "sfugate_pipeline_ingests_total",
			Help: "Plain RTP ingests opened for encoder pipelines",
		}),

		signalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sfugate_signal_request_duration_seconds",
			Help:    "Time from receiving a signaling request to its response",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type"}),

		engineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sfugate_engine_call_duration_seconds",
			Help:    "Duration of media engine calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
	}
}

func (p *PrometheusCollector) SessionOpened() {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionClosed() { p.sessionsActive.Dec() }
func (p *PrometheusCollector) RoomOpened()    { p.roomsActive.Inc() }
func (p *PrometheusCollector) RoomClosed()    { p.roomsActive.Dec() }
func (p *PrometheusCollector) EngineDied()    { p.engineDeaths.Inc() }
func (p *PrometheusCollector) IngestOpened()  { p.ingestsOpened.Inc() }

func (p *PrometheusCollector) TransportOpened(role domain.TransportRole) {
	p.transportsActive.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) TransportClosed(role domain.TransportRole) {
	p.transportsActive.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) ProducerOpened(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerClosed(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) ConsumerOpened(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ConsumerClosed(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) SignalRequest(messageType, code string, d time.Duration) {
	p.signalRequests.WithLabelValues(messageType, code).Inc()
	p.signalDuration.WithLabelValues(messageType).Observe(d.Seconds())
}

func (p *PrometheusCollector) EngineCall(operation string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.engineCalls.WithLabelValues(operation, result).Inc()
	p.engineDuration.WithLabelValues(operation).Observe(d.Seconds())
}
