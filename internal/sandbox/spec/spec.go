// Package spec defines run requests and resource limits.
package spec

import (
	"time"

	"execbox/internal/sandbox/artifact"
	appErr "execbox/pkg/errors"
)

// ExecutionLimits describes the limits enforced for one run. Zero means no limit.
type ExecutionLimits struct {
	MaxWallTime time.Duration `json:"maxWallTime" yaml:"maxWallTime"`
	// MaxCPUInstructions is only enforced by the sandboxed VM.
	MaxCPUInstructions uint64 `json:"maxCpuInstructions" yaml:"maxCpuInstructions"`
	MaxMemoryBytes     int64  `json:"maxMemoryBytes" yaml:"maxMemoryBytes"`
	MaxOutputBytes     int64  `json:"maxOutputBytes" yaml:"maxOutputBytes"`
}

// Merge fills zero fields of l from defaults.
func (l ExecutionLimits) Merge(defaults ExecutionLimits) ExecutionLimits {
	if l.MaxWallTime <= 0 {
		l.MaxWallTime = defaults.MaxWallTime
	}
	if l.MaxCPUInstructions == 0 {
		l.MaxCPUInstructions = defaults.MaxCPUInstructions
	}
	if l.MaxMemoryBytes <= 0 {
		l.MaxMemoryBytes = defaults.MaxMemoryBytes
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = defaults.MaxOutputBytes
	}
	return l
}

// Validate rejects negative limits.
func (l ExecutionLimits) Validate() error {
	if l.MaxWallTime < 0 {
		return appErr.ValidationError("max_wall_time", "must not be negative")
	}
	if l.MaxMemoryBytes < 0 {
		return appErr.ValidationError("max_memory_bytes", "must not be negative")
	}
	if l.MaxOutputBytes < 0 {
		return appErr.ValidationError("max_output_bytes", "must not be negative")
	}
	return nil
}

// MountSpec describes a host path exposed to a run.
type MountSpec struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	ReadOnly bool   `json:"readOnly" yaml:"readOnly"`
}

// RunRequest is everything a runtime needs for one run.
type RunRequest struct {
	Artifact *artifact.Artifact
	Stdin    []byte
	Args     []string
	Limits   ExecutionLimits

	// Mounts are directories granted to the sandboxed VM for this run only.
	Mounts []MountSpec
	// AuxFiles are files or directories copied into a jail image.
	AuxFiles []MountSpec
}

// Validate checks the fields shared by all runtimes.
func (r RunRequest) Validate() error {
	if r.Artifact == nil {
		return appErr.ValidationError("artifact", "required")
	}
	if err := r.Limits.Validate(); err != nil {
		return err
	}
	for _, m := range append(append([]MountSpec{}, r.Mounts...), r.AuxFiles...) {
		if m.Source == "" || m.Target == "" {
			return appErr.ValidationError("mount", "source and target are required")
		}
	}
	return nil
}
