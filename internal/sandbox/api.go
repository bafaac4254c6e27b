// Package sandbox is the caller-facing entrypoint: compile source, run
// artifacts under a chosen runtime, or do both in one call.
package sandbox

import (
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/compiler"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/observer"
	"execbox/internal/sandbox/process"
	"execbox/internal/sandbox/runtime"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
)

// Options configures a Service. Only Config is required; missing
// compilers and runtimes are built from it.
type Options struct {
	Config     config.Config
	Compilers  map[artifact.Language]compiler.Compiler
	Runtimes   map[runtime.Kind]runtime.Runtime
	Workspaces *workspace.Manager
	Runner     process.Runner
	Metrics    observer.MetricsRecorder

	// Cache enables the compiled-artifact cache when set.
	Cache    cache.Cache
	CacheTTL time.Duration

	// MaxConcurrent bounds concurrent compile and run calls. Zero means unbounded.
	MaxConcurrent int64
}

// ExecuteRequest compiles Source and runs the result in one call.
type ExecuteRequest struct {
	Language       artifact.Language
	Source         []byte
	CompileOptions compiler.Options
	Runtime        runtime.Kind
	Stdin          []byte
	Args           []string
	Limits         spec.ExecutionLimits
	Mounts         []spec.MountSpec
	AuxFiles       []spec.MountSpec
	// Preprocessors run after the byte order mark is stripped and before
	// the source size check.
	Preprocessors []compiler.Preprocessor
}

// LanguageInfo describes one language and the targets it can produce.
type LanguageInfo struct {
	Language artifact.Language       `json:"language"`
	Targets  []artifact.TargetFormat `json:"targets"`
}
