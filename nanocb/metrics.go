package nanocb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors, registered on a registry
// owned by the engine so several pipelines can live in one process.
type Metrics struct {
	registry      *prometheus.Registry
	steps         prometheus.Counter
	batchedTokens prometheus.Histogram
	runningSeqs   prometheus.Gauge
	pendingGroups prometheus.Gauge
	freeBlocks    prometheus.Gauge
	preemptions   prometheus.Counter
	requests      *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		steps: f.NewCounter(prometheus.CounterOpts{
			Name: "nanocb_steps_total",
			Help: "Forward passes executed.",
		}),
		batchedTokens: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nanocb_batched_tokens",
			Help:    "Tokens processed per forward pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		runningSeqs: f.NewGauge(prometheus.GaugeOpts{
			Name: "nanocb_running_sequences",
			Help: "Live sequences of running requests.",
		}),
		pendingGroups: f.NewGauge(prometheus.GaugeOpts{
			Name: "nanocb_pending_requests",
			Help: "Requests waiting or swapped out.",
		}),
		freeBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "nanocb_free_kv_blocks",
			Help: "Unreferenced KV cache blocks.",
		}),
		preemptions: f.NewCounter(prometheus.CounterOpts{
			Name: "nanocb_preemptions_total",
			Help: "Requests swapped out to free KV cache blocks.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nanocb_requests_total",
			Help: "Completed requests by final status.",
		}, []string{"status"}),
	}
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeSchedule(out *SchedulerOutput, st *SchedulerState) {
	if !out.IsEmpty() {
		m.steps.Inc()
		m.batchedTokens.Observe(float64(out.NumBatchedTokens))
	}
	m.preemptions.Add(float64(len(out.Preempted)))
	m.runningSeqs.Set(float64(st.NumRunningSeqs()))
	m.pendingGroups.Set(float64(st.NumPending()))
	m.freeBlocks.Set(float64(st.BlockManager().NumFreeBlocks()))
}

func (m *Metrics) observeRequest(status GroupStatus) {
	m.requests.WithLabelValues(status.String()).Inc()
}
