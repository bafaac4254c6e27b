// Package observer defines metrics hooks for compile and run calls.
package observer

import (
	"context"
	"time"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, language, target string, ok bool, duration time.Duration)
	ObserveRun(ctx context.Context, runtime, outcome, reason string, wallTime time.Duration, peakMemoryBytes int64)
	ObserveJailState(ctx context.Context, state string)
}

// NoopMetricsRecorder discards all metrics.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveCompile(ctx context.Context, language, target string, ok bool, duration time.Duration) {
}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, runtime, outcome, reason string, wallTime time.Duration, peakMemoryBytes int64) {
}

func (NoopMetricsRecorder) ObserveJailState(ctx context.Context, state string) {}
