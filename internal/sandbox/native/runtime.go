// Package native runs artifacts as plain child processes.
//
// This is the no-isolation baseline: the child sees the host filesystem,
// network and processes. Only wall time and output size are enforced (memory
// too when a delegated cgroup is configured). Do not use it for untrusted code.
package native

import (
	"context"
	"errors"
	"fmt"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/process"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

type Runtime struct {
	workspaces *workspace.Manager
	runner     process.Runner
	env        []string
	cgroupRoot string
}

// New creates a native runtime. A nil runner uses process.Default.
func New(cfg config.NativeConfig, workspaces *workspace.Manager, runner process.Runner) *Runtime {
	if runner == nil {
		runner = process.Default
	}
	return &Runtime{
		workspaces: workspaces,
		runner:     runner,
		env:        append([]string(nil), cfg.Env...),
		cgroupRoot: cfg.CgroupRoot,
	}
}

func (r *Runtime) Supports(format artifact.TargetFormat) bool {
	return format == artifact.Native
}

// Run executes the artifact with a fresh workspace as its working directory.
func (r *Runtime) Run(ctx context.Context, req spec.RunRequest) (result.ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return result.ExecutionResult{}, err
	}
	if !r.Supports(req.Artifact.Format()) {
		return result.ExecutionResult{}, appErr.Newf(appErr.IncompatibleArtifact, "native runtime cannot run %s artifacts", req.Artifact.Format())
	}
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return result.ExecutionResult{}, appErr.Wrap(err, appErr.Canceled)
	}

	ws, err := r.workspaces.Create(ctx, "run")
	if err != nil {
		return result.ExecutionResult{}, err
	}
	defer ws.Close()

	argv := req.Artifact.Command(req.Artifact.Path(), req.Args)
	limits := req.Limits
	pres, err := r.runner.Run(ctx, process.Spec{
		Path:           argv[0],
		Args:           argv,
		Dir:            ws.Path(),
		Env:            r.env,
		Stdin:          req.Stdin,
		WallTime:       limits.MaxWallTime,
		MaxOutputBytes: limits.MaxOutputBytes,
		MaxMemoryBytes: limits.MaxMemoryBytes,
		CgroupRoot:     r.cgroupRoot,
	})
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.LaunchFailed, "start %s failed", argv[0])
	}
	res, err := Translate(ctx, pres, limits)
	if err == nil {
		logger.Debug(ctx, "native run finished",
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("wall_time", res.Usage.WallTime))
	}
	return res, err
}

// Translate maps a finished child process to an execution result. Only a
// caller cancellation is returned as an error.
func Translate(ctx context.Context, pres process.Result, limits spec.ExecutionLimits) (result.ExecutionResult, error) {
	res := result.ExecutionResult{
		Stdout:          pres.Stdout,
		Stderr:          pres.Stderr,
		StdoutTruncated: pres.StdoutTruncated,
		StderrTruncated: pres.StderrTruncated,
		Usage: result.ResourceUsage{
			WallTime:        pres.WallTime,
			CPUTime:         pres.CPUTime,
			PeakMemoryBytes: pres.PeakMemoryBytes,
		},
	}

	switch {
	case pres.Canceled && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, appErr.Wrap(context.Canceled, appErr.Canceled)
	case pres.TimedOut || pres.Canceled:
		res.Outcome = result.TimedOut
		if limits.MaxWallTime > 0 && pres.TimedOut {
			res.Diagnostic = fmt.Sprintf("wall time limit of %s exceeded", limits.MaxWallTime)
		} else {
			res.Diagnostic = "deadline exceeded"
		}
	case pres.OOMKilled:
		res.Exceeded(result.ReasonMemory, "killed by the out-of-memory handler")
	case pres.Signaled():
		res.Fault("terminated by signal: " + pres.Signal)
	default:
		res.Outcome = result.Completed
		res.ExitCode = result.ExitCodeOf(pres.ExitCode)
	}
	return res, nil
}
