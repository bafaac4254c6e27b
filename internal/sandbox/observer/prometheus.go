package observer

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports compile and run metrics.
type PrometheusRecorder struct {
	compileTotal    *prometheus.CounterVec
	compileDuration *prometheus.HistogramVec
	runTotal        *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runPeakMemory   *prometheus.HistogramVec
	jailStates      *prometheus.CounterVec
}

// NewPrometheusRecorder registers collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		compileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "compile_total",
			Help:      "Compile calls by language, target and success.",
		}, []string{"language", "target", "ok"}),
		compileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "compile_duration_seconds",
			Help:      "Toolchain wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"language", "target"}),
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "run_total",
			Help:      "Run calls by runtime, outcome and reason.",
		}, []string{"runtime", "outcome", "reason"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "run_wall_seconds",
			Help:      "Program wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"runtime"}),
		runPeakMemory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "run_peak_memory_bytes",
			Help:      "Peak memory of measured runs.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 10),
		}, []string{"runtime"}),
		jailStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "jail_state_transitions_total",
			Help:      "Jail state machine transitions.",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{r.compileTotal, r.compileDuration, r.runTotal, r.runDuration, r.runPeakMemory, r.jailStates} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveCompile(ctx context.Context, language, target string, ok bool, duration time.Duration) {
	r.compileTotal.WithLabelValues(language, target, strconv.FormatBool(ok)).Inc()
	r.compileDuration.WithLabelValues(language, target).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) ObserveRun(ctx context.Context, runtime, outcome, reason string, wallTime time.Duration, peakMemoryBytes int64) {
	r.runTotal.WithLabelValues(runtime, outcome, reason).Inc()
	r.runDuration.WithLabelValues(runtime).Observe(wallTime.Seconds())
	if peakMemoryBytes > 0 {
		r.runPeakMemory.WithLabelValues(runtime).Observe(float64(peakMemoryBytes))
	}
}

func (r *PrometheusRecorder) ObserveJailState(ctx context.Context, state string) {
	r.jailStates.WithLabelValues(state).Inc()
}
