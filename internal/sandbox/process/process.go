// Package process launches one child process with a wall-time watchdog and bounded capture.
package process

import (
	"context"
	"os"
	"time"
)

// Spec describes a single child process.
type Spec struct {
	// Path is the executable as seen by the child; Args includes argv[0].
	Path string
	Args []string
	Dir  string
	Env  []string

	Stdin []byte

	// WallTime of zero disables the watchdog.
	WallTime       time.Duration
	MaxOutputBytes int64
	// MaxMemoryBytes is applied only when CgroupRoot is set.
	MaxMemoryBytes int64
	MaxProcesses   int64

	// Chroot changes the child's root directory before exec.
	Chroot string
	// CgroupRoot is a delegated cgroup v2 directory; empty disables cgroup accounting.
	CgroupRoot string
	// ExtraFiles become fd 3, 4, ... in the child.
	ExtraFiles []*os.File
	// Started runs after a successful start, before waiting.
	Started func(pid int)
}

// Result is the raw outcome of a child process.
type Result struct {
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool

	ExitCode int
	// Signal is set when the child was terminated by a signal.
	Signal string

	TimedOut bool
	// Canceled is set when ctx ended before the child did.
	Canceled  bool
	OOMKilled bool

	WallTime        time.Duration
	CPUTime         time.Duration
	PeakMemoryBytes int64
}

// Signaled reports whether the child died from a signal.
func (r Result) Signaled() bool { return r.Signal != "" }

// Runner starts processes. Tests substitute it to avoid real children.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, spec Spec) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, spec Spec) (Result, error) { return f(ctx, spec) }

// Default is the host process runner.
var Default Runner = RunnerFunc(Run)
