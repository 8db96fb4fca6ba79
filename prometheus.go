package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/cwsl/rfdemod/demod/blockdemod"
	"github.com/cwsl/rfdemod/demod/chromaafc"
	"github.com/cwsl/rfdemod/demod/scheduler"
)

// PrometheusMetrics holds the decoder's metric collectors. They live in their
// own registry so a decode can be run more than once per process.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Block metrics
	blocksTotal      prometheus.Counter   // Blocks demodulated, degraded included
	blocksDegraded   prometheus.Counter   // Blocks replaced by a placeholder
	samplesTotal     prometheus.Counter   // Output samples written
	dropoutsTotal    prometheus.Counter   // Dropout spans detected
	dropoutSamples   prometheus.Counter   // Samples inside dropout spans
	repairedSamples  prometheus.Counter   // Spike samples replaced by diff-demod
	blockLatency     prometheus.Histogram // Time from submit to ordered output
	reorderPending   prometheus.Gauge     // Results waiting for an earlier block
	workerStates     *prometheus.GaugeVec // Workers per state
	progressFraction prometheus.Gauge     // Fraction of the requested range done

	// AFC metrics
	afcCarrierHz     prometheus.Gauge   // Current carrier estimate
	afcConfidence    prometheus.Gauge   // Confidence of the last measurement
	afcDriftHz       prometheus.Gauge   // Rolling mean drift from nominal
	afcBiasHz        prometheus.Gauge   // Rolling mean quantization residual
	afcMeasurements  prometheus.Counter // Successful measurements
	afcNoCarrier     prometheus.Counter // Blocks where no carrier was found
	afcResyncs       prometheus.Counter // Explicit carrier resets
	afcCorrectionFit *prometheus.GaugeVec

	// Cache metrics
	cacheHits   prometheus.Gauge
	cacheMisses prometheus.Gauge

	// Resource metrics
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
	gcPauseSeconds   prometheus.Gauge
	hostCPUPercent   prometheus.Gauge

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewaySuccessTotal  prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge
}

// NewPrometheusMetrics registers every collector in a fresh registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	pm := &PrometheusMetrics{
		registry: reg,
		blocksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_blocks_total",
			Help: "Total number of blocks demodulated, degraded blocks included",
		}),
		blocksDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_blocks_degraded_total",
			Help: "Total number of blocks replaced by a zero placeholder after a failure",
		}),
		samplesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_samples_total",
			Help: "Total number of demodulated samples written per stream",
		}),
		dropoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_dropouts_total",
			Help: "Total number of RF dropout spans detected",
		}),
		dropoutSamples: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_dropout_samples_total",
			Help: "Total number of samples inside dropout spans",
		}),
		repairedSamples: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_repaired_samples_total",
			Help: "Total number of demodulation spike samples repaired",
		}),
		blockLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rfdemod_block_latency_seconds",
			Help:    "Time from block submission to in-order output",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		reorderPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_reorder_pending",
			Help: "Results held waiting for an earlier block",
		}),
		workerStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rfdemod_workers",
			Help: "Number of workers in each state",
		}, []string{"state"}),
		progressFraction: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_progress_ratio",
			Help: "Fraction of the requested capture range decoded (0 when the length is unknown)",
		}),

		afcCarrierHz: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_afc_carrier_hz",
			Help: "Current color-under carrier estimate in Hz",
		}),
		afcConfidence: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_afc_confidence",
			Help: "Share of in-band chroma power at the measured carrier",
		}),
		afcDriftHz: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_afc_drift_hz",
			Help: "Rolling mean carrier drift from nominal in Hz",
		}),
		afcBiasHz: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_afc_bias_hz",
			Help: "Rolling mean difference between measured and quantized carrier in Hz",
		}),
		afcMeasurements: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_afc_measurements_total",
			Help: "Total number of successful carrier measurements",
		}),
		afcNoCarrier: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_afc_no_carrier_total",
			Help: "Total number of blocks where no chroma carrier was found",
		}),
		afcResyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_afc_resyncs_total",
			Help: "Total number of carrier resyncs back to nominal",
		}),
		afcCorrectionFit: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rfdemod_afc_correction",
			Help: "Linearization correction applied to measured carriers",
		}, []string{"term"}),

		cacheHits: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_cache_hits",
			Help: "Block cache hits for ranged reads",
		}),
		cacheMisses: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_cache_misses",
			Help: "Block cache misses for ranged reads",
		}),

		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),
		memoryHeapBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_memory_heap_bytes",
			Help: "Bytes of heap in use",
		}),
		gcPauseSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_gc_pause_seconds",
			Help: "Last garbage collection pause duration in seconds",
		}),
		hostCPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_host_cpu_percent",
			Help: "Host CPU utilisation in percent",
		}),

		pushgatewayPushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_pushgateway_pushes_total",
			Help: "Total number of push attempts to Pushgateway",
		}),
		pushgatewaySuccessTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_pushgateway_success_total",
			Help: "Total number of successful pushes to Pushgateway",
		}),
		pushgatewayFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rfdemod_pushgateway_failures_total",
			Help: "Total number of failed pushes to Pushgateway",
		}),
		pushgatewayLastPushTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfdemod_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of last successful push to Pushgateway",
		}),
	}
	return pm
}

// Registry returns the registry the collectors are registered in
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	if pm == nil {
		return nil
	}
	return pm.registry
}

// RecordBlock updates block metrics from one in-order record
func (pm *PrometheusMetrics) RecordBlock(rec *blockdemod.Record, latency time.Duration) {
	if pm == nil || rec == nil {
		return
	}
	pm.blocksTotal.Inc()
	if rec.Degraded {
		pm.blocksDegraded.Inc()
	}
	pm.samplesTotal.Add(float64(rec.Len()))
	pm.dropoutsTotal.Add(float64(len(rec.Dropouts)))
	var n int
	for _, d := range rec.Dropouts {
		n += d.Len()
	}
	pm.dropoutSamples.Add(float64(n))
	pm.repairedSamples.Add(float64(rec.Repaired))
	if latency > 0 {
		pm.blockLatency.Observe(latency.Seconds())
	}
}

// RecordSpan updates block metrics from a ranged read
func (pm *PrometheusMetrics) RecordSpan(span *scheduler.Span, blocks int) {
	if pm == nil || span == nil {
		return
	}
	pm.blocksTotal.Add(float64(blocks))
	pm.blocksDegraded.Add(float64(span.Degraded))
	pm.samplesTotal.Add(float64(len(span.Luma)))
	pm.dropoutsTotal.Add(float64(len(span.Dropouts)))
	var n int
	for _, d := range span.Dropouts {
		n += d.Len()
	}
	pm.dropoutSamples.Add(float64(n))
}

// UpdateScheduler records worker states and reorder backlog
func (pm *PrometheusMetrics) UpdateScheduler(states []scheduler.State, pending int) {
	if pm == nil {
		return
	}
	counts := map[scheduler.State]int{scheduler.Idle: 0, scheduler.Demodulating: 0, scheduler.Exited: 0}
	for _, s := range states {
		counts[s]++
	}
	for s, n := range counts {
		pm.workerStates.WithLabelValues(s.String()).Set(float64(n))
	}
	pm.reorderPending.Set(float64(pending))
}

// UpdateAFC records the tracker state after a measurement
func (pm *PrometheusMetrics) UpdateAFC(est chromaafc.CarrierEstimate, drift chromaafc.Drift, measured bool) {
	if pm == nil {
		return
	}
	if measured {
		pm.afcMeasurements.Inc()
	} else {
		pm.afcNoCarrier.Inc()
	}
	pm.afcCarrierHz.Set(est.FreqHz)
	pm.afcConfidence.Set(est.Confidence)
	pm.afcDriftHz.Set(drift.LogDrift)
	pm.afcBiasHz.Set(drift.Bias)
}

// RecordResync counts a carrier reset and records the new estimate
func (pm *PrometheusMetrics) RecordResync(est chromaafc.CarrierEstimate) {
	if pm == nil {
		return
	}
	pm.afcResyncs.Inc()
	pm.afcCarrierHz.Set(est.FreqHz)
	pm.afcConfidence.Set(est.Confidence)
}

// SetCorrection records the linearization fit in use
func (pm *PrometheusMetrics) SetCorrection(fit chromaafc.Fit) {
	if pm == nil {
		return
	}
	pm.afcCorrectionFit.WithLabelValues("slope").Set(fit.Slope)
	pm.afcCorrectionFit.WithLabelValues("intercept").Set(fit.Intercept)
}

// UpdateCache records block cache statistics
func (pm *PrometheusMetrics) UpdateCache(hits, misses int64) {
	if pm == nil {
		return
	}
	pm.cacheHits.Set(float64(hits))
	pm.cacheMisses.Set(float64(misses))
}

// SetProgress records the fraction of the range decoded
func (pm *PrometheusMetrics) SetProgress(fraction float64) {
	if pm == nil {
		return
	}
	pm.progressFraction.Set(fraction)
}

// updateResourceMetrics updates runtime resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))

	// most recent GC pause
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		pm.gcPauseSeconds.Set(float64(lastPause) / 1e9)
	}
	if p, ok := cpuPercent(); ok {
		pm.hostCPUPercent.Set(p)
	}
}

// StartResourceSampler refreshes resource gauges every interval until ctx ends
func (pm *PrometheusMetrics) StartResourceSampler(ctx context.Context, interval time.Duration) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to
// Pushgateway. The returned channel closes after the final push.
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config, session string) <-chan struct{} {
	done := make(chan struct{})
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		close(done)
		return done
	}

	pgConfig := config.Prometheus.Pushgateway
	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%ds",
		pgConfig.URL, pgConfig.Job, pgConfig.Instance, pgConfig.Interval)

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Duration(pgConfig.Interval) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// final push so the gateway holds the finished totals
				pm.pushOnce(config, session)
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
				pm.pushOnce(config, session)
			}
		}
	}()
	return done
}

func (pm *PrometheusMetrics) pushOnce(config *Config, session string) {
	pm.pushgatewayPushesTotal.Inc()
	if err := pm.pushToGateway(config, session); err != nil {
		pm.pushgatewayFailuresTotal.Inc()
		log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
		return
	}
	pm.pushgatewaySuccessTotal.Inc()
	pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
	if DebugMode {
		log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
	}
}

// pushToGateway pushes all metrics to the Pushgateway with the decode setup as labels
func (pm *PrometheusMetrics) pushToGateway(config *Config, session string) error {
	if pm == nil {
		return fmt.Errorf("prometheus metrics not initialized")
	}

	pgConfig := config.Prometheus.Pushgateway
	pusher := push.New(pgConfig.URL, pgConfig.Job).Gatherer(pm.registry)
	if pgConfig.Instance != "" && pgConfig.Token != "" {
		pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
	}
	if pgConfig.Instance != "" {
		pusher = pusher.Grouping("instance", pgConfig.Instance)
	}
	pusher = pusher.
		Grouping("session", session).
		Grouping("format", config.Format.Name).
		Grouping("system", config.Format.System).
		Grouping("version", Version)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
