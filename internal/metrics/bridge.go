package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineSnapshot is a point-in-time copy of an engine's atomic counters.
type EngineSnapshot struct {
	Model      string
	Method     string
	Inferences uint64
	Failures   uint64
	Overruns   uint64 // input samples refused
	Underruns  uint64 // output samples zero-filled
	InputFill  float64
	OutputFill float64
}

// StatsSource is implemented by engines that expose counters at scrape time.
type StatsSource interface {
	MetricsSnapshot() EngineSnapshot
}

// BridgeMetrics contains all Prometheus metrics for the inference bridge.
// Per-engine counters are read from registered StatsSources when Prometheus
// scrapes, so the audio path never touches a Prometheus type.
type BridgeMetrics struct {
	OperationsTotal  *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec
	ModelsLoaded     prometheus.Gauge

	inferencesDesc *prometheus.Desc
	failuresDesc   *prometheus.Desc
	overrunsDesc   *prometheus.Desc
	underrunsDesc  *prometheus.Desc
	inFillDesc     *prometheus.Desc
	outFillDesc    *prometheus.Desc

	mu      sync.RWMutex
	engines map[string]StatsSource
}

// NewBridgeMetrics creates the bridge metrics and registers them with registry.
func NewBridgeMetrics(registry *prometheus.Registry) (*BridgeMetrics, error) {
	m := &BridgeMetrics{engines: make(map[string]StatsSource)}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register bridge metrics: %w", err)
	}
	return m, nil
}

func (m *BridgeMetrics) initMetrics() {
	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnbridge_operations_total",
			Help: "Total number of bridge operations partitioned by outcome.",
		},
		[]string{"operation", "status"},
	)
	m.OperationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nnbridge_operation_duration_seconds",
			Help:    "Duration of bridge operations such as inference and model loading.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)
	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nnbridge_errors_total",
			Help: "Total number of errors partitioned by operation and category.",
		},
		[]string{"operation", "error_type"},
	)
	m.ModelsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nnbridge_models_loaded",
			Help: "Number of model descriptors currently held by the registry.",
		},
	)

	labels := []string{"engine", "model", "method"}
	m.inferencesDesc = prometheus.NewDesc("nnbridge_engine_inferences_total",
		"Inference calls completed by an engine worker.", labels, nil)
	m.failuresDesc = prometheus.NewDesc("nnbridge_engine_dropped_frames_total",
		"Inference calls that failed and produced no output.", labels, nil)
	m.overrunsDesc = prometheus.NewDesc("nnbridge_engine_overrun_samples_total",
		"Input samples refused because the input buffer was full.", labels, nil)
	m.underrunsDesc = prometheus.NewDesc("nnbridge_engine_underrun_samples_total",
		"Output samples zero-filled because no result was ready.", labels, nil)
	m.inFillDesc = prometheus.NewDesc("nnbridge_engine_input_fill_ratio",
		"Input buffer fill level relative to the model block.", labels, nil)
	m.outFillDesc = prometheus.NewDesc("nnbridge_engine_output_fill_ratio",
		"Output buffer fill level relative to the model block.", labels, nil)
}

// RegisterEngine exposes an engine's counters under id until UnregisterEngine.
func (m *BridgeMetrics) RegisterEngine(id string, src StatsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[id] = src
}

// UnregisterEngine stops exporting the engine registered under id.
func (m *BridgeMetrics) UnregisterEngine(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, id)
}

// RecordOperation implements Recorder.
func (m *BridgeMetrics) RecordOperation(operation, status string) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *BridgeMetrics) RecordDuration(operation string, seconds float64) {
	m.OperationSeconds.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *BridgeMetrics) RecordError(operation, errorType string) {
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetModelsLoaded sets the number of loaded model descriptors.
func (m *BridgeMetrics) SetModelsLoaded(n int) {
	m.ModelsLoaded.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *BridgeMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.OperationsTotal.Describe(ch)
	m.OperationSeconds.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	ch <- m.ModelsLoaded.Desc()
	ch <- m.inferencesDesc
	ch <- m.failuresDesc
	ch <- m.overrunsDesc
	ch <- m.underrunsDesc
	ch <- m.inFillDesc
	ch <- m.outFillDesc
}

// Collect implements the prometheus.Collector interface.
func (m *BridgeMetrics) Collect(ch chan<- prometheus.Metric) {
	m.OperationsTotal.Collect(ch)
	m.OperationSeconds.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	ch <- m.ModelsLoaded

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, src := range m.engines {
		s := src.MetricsSnapshot()
		labels := []string{id, s.Model, s.Method}
		ch <- prometheus.MustNewConstMetric(m.inferencesDesc, prometheus.CounterValue, float64(s.Inferences), labels...)
		ch <- prometheus.MustNewConstMetric(m.failuresDesc, prometheus.CounterValue, float64(s.Failures), labels...)
		ch <- prometheus.MustNewConstMetric(m.overrunsDesc, prometheus.CounterValue, float64(s.Overruns), labels...)
		ch <- prometheus.MustNewConstMetric(m.underrunsDesc, prometheus.CounterValue, float64(s.Underruns), labels...)
		ch <- prometheus.MustNewConstMetric(m.inFillDesc, prometheus.GaugeValue, s.InputFill, labels...)
		ch <- prometheus.MustNewConstMetric(m.outFillDesc, prometheus.GaugeValue, s.OutputFill, labels...)
	}
}
