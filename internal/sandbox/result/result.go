// Package result defines the execution result shared by every runtime.
package result

import "time"

// Outcome classifies how a run ended.
type Outcome string

const (
	Completed        Outcome = "Completed"
	TimedOut         Outcome = "TimedOut"
	ResourceExceeded Outcome = "ResourceExceeded"
	Faulted          Outcome = "Faulted"
)

// Reason names the exhausted resource for ResourceExceeded.
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonCPU    Reason = "cpu"
	ReasonMemory Reason = "memory"
)

// ResourceUsage holds measured usage. Zero means not measured.
type ResourceUsage struct {
	WallTime        time.Duration `json:"wallTime"`
	CPUTime         time.Duration `json:"cpuTime"`
	PeakMemoryBytes int64         `json:"peakMemoryBytes"`
	Instructions    uint64        `json:"instructions"`
}

// ExecutionResult is what a run reports about the executed program.
type ExecutionResult struct {
	Stdout          []byte `json:"stdout"`
	Stderr          []byte `json:"stderr"`
	StdoutTruncated bool   `json:"stdoutTruncated"`
	StderrTruncated bool   `json:"stderrTruncated"`
	// ExitCode is nil when the program was killed by a signal or trapped.
	ExitCode   *int          `json:"exitCode,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Reason     Reason        `json:"reason,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Usage      ResourceUsage `json:"usage"`
}

// ExitCodeOf returns a pointer for ExecutionResult.ExitCode.
func ExitCodeOf(code int) *int {
	return &code
}

// Succeeded reports a completed run with exit code 0.
func (r ExecutionResult) Succeeded() bool {
	return r.Outcome == Completed && r.ExitCode != nil && *r.ExitCode == 0
}

// Exceeded builds the outcome fields for a resource violation.
func (r *ExecutionResult) Exceeded(reason Reason, diagnostic string) {
	r.Outcome = ResourceExceeded
	r.Reason = reason
	r.ExitCode = nil
	r.Diagnostic = diagnostic
}

// Fault marks the run as Faulted with no exit code.
func (r *ExecutionResult) Fault(diagnostic string) {
	r.Outcome = Faulted
	r.Reason = ReasonNone
	r.ExitCode = nil
	r.Diagnostic = diagnostic
}
