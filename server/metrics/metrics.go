package metrics

import (
	"net/http"
	"strconv"

	"github.com/cyclopcam/fusion/server/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineSource returns the engines that are currently running
type EngineSource func() []*tracker.Engine

// Metrics exposes the stats of every tracker engine to Prometheus.
// Engines come and go as cameras are reconfigured, so instead of registering
// a fixed set of gauges, we collect from the live engines on every scrape.
type Metrics struct {
	registry *prometheus.Registry
	engines  EngineSource

	trackedObjects       *prometheus.Desc
	lastProcessingMs     *prometheus.Desc
	avgProcessingMs      *prometheus.Desc
	framesProcessed      *prometheus.Desc
	framesRejected       *prometheus.Desc
	detectorFailures     *prometheus.Desc
	malformedDropped     *prometheus.Desc
	authoritativeBatches *prometheus.Desc
	predictionsEmitted   *prometheus.Desc
}

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("fusion_"+name, help, []string{"camera"}, nil)
}

// New creates a new Metrics instance with its own Prometheus registry
func New(engines EngineSource) *Metrics {
	m := &Metrics{
		registry:             prometheus.NewRegistry(),
		engines:              engines,
		trackedObjects:       desc("tracked_objects", "Number of tracks in the store"),
		lastProcessingMs:     desc("last_processing_ms", "Processing time of the most recent frame, in milliseconds"),
		avgProcessingMs:      desc("avg_processing_ms", "Moving average of frame processing time, in milliseconds"),
		framesProcessed:      desc("frames_processed_total", "Frames that ran through the whole pipeline"),
		framesRejected:       desc("frames_rejected_total", "Frames skipped because the previous frame was still in flight"),
		detectorFailures:     desc("detector_failures_total", "Local detector errors and panics"),
		malformedDropped:     desc("malformed_dropped_total", "Detections dropped because of invalid boxes or confidence"),
		authoritativeBatches: desc("authoritative_batches_total", "Authoritative batches received"),
		predictionsEmitted:   desc("predictions_emitted_total", "Dead-reckoned detections emitted"),
	}
	m.registry.MustRegister(m)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "fusion_engines",
			Help: "Number of running tracker engines",
		},
		func() float64 { return float64(len(m.engines())) },
	))
	return m
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.trackedObjects
	ch <- m.lastProcessingMs
	ch <- m.avgProcessingMs
	ch <- m.framesProcessed
	ch <- m.framesRejected
	ch <- m.detectorFailures
	ch <- m.malformedDropped
	ch <- m.authoritativeBatches
	ch <- m.predictionsEmitted
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, e := range m.engines() {
		cam := strconv.FormatInt(e.CameraID, 10)
		s := e.GetStats()
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, cam)
		}
		counter := func(d *prometheus.Desc, v int64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), cam)
		}
		gauge(m.trackedObjects, float64(s.TrackedObjectCount))
		gauge(m.lastProcessingMs, s.LastProcessingDurationMs)
		gauge(m.avgProcessingMs, s.AvgProcessingDurationMs)
		counter(m.framesProcessed, s.FramesProcessed)
		counter(m.framesRejected, s.FramesRejected)
		counter(m.detectorFailures, s.DetectorFailures)
		counter(m.malformedDropped, s.MalformedDropped)
		counter(m.authoritativeBatches, s.AuthoritativeBatches)
		counter(m.predictionsEmitted, s.PredictionsEmitted)
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
