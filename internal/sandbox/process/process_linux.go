//go:build linux

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"execbox/internal/sandbox/capture"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const waitDelay = 2 * time.Second

// Run starts the child in its own process group and waits for it.
// The group is killed on wall-time expiry or when ctx ends.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Path == "" || len(spec.Args) == 0 {
		return Result{}, fmt.Errorf("command is required")
	}

	stdout := capture.NewBuffer(spec.MaxOutputBytes)
	stderr := capture.NewBuffer(spec.MaxOutputBytes)

	cmd := &exec.Cmd{
		Path:       spec.Path,
		Args:       spec.Args,
		Dir:        spec.Dir,
		Env:        spec.Env,
		Stdout:     stdout,
		Stderr:     stderr,
		ExtraFiles: spec.ExtraFiles,
		WaitDelay:  waitDelay,
	}
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	cmd.SysProcAttr = buildSysProcAttr(spec.Chroot)

	var cg *runCgroup
	if spec.CgroupRoot != "" {
		var err error
		cg, err = createRunCgroup(spec.CgroupRoot)
		if err != nil {
			return Result{}, fmt.Errorf("create cgroup: %w", err)
		}
		defer cg.remove(ctx)
		if err := cg.applyLimits(spec.MaxMemoryBytes, spec.MaxProcesses); err != nil {
			return Result{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	if cg != nil {
		if err := cg.addProcess(cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cg.path), zap.Error(err))
		}
	}
	if spec.Started != nil {
		spec.Started(cmd.Process.Pid)
	}

	var timedOut, canceled atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if spec.WallTime > 0 {
			timer := time.NewTimer(spec.WallTime)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			canceled.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	// Reap anything the child left behind in its group.
	killProcessGroup(cmd.Process.Pid)

	res := Result{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		TimedOut:        timedOut.Load(),
		Canceled:        canceled.Load(),
		WallTime:        time.Since(start),
		CPUTime:         cpuTime(cmd.ProcessState),
		PeakMemoryBytes: peakMemoryBytes(cg, cmd.ProcessState),
	}
	if cg != nil {
		res.OOMKilled = cg.oomKilled()
	}
	res.ExitCode, res.Signal = exitStatus(cmd.ProcessState)

	if waitErr != nil && cmd.ProcessState == nil {
		return res, fmt.Errorf("wait child: %w", waitErr)
	}
	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Debug(ctx, "child output pipes outlived the process", zap.Int("pid", cmd.Process.Pid))
	}
	return res, nil
}

func buildSysProcAttr(chroot string) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
		Chroot:    chroot,
	}
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}

func cpuTime(state *os.ProcessState) time.Duration {
	if state == nil {
		return 0
	}
	return state.UserTime() + state.SystemTime()
}

func peakMemoryBytes(cg *runCgroup, state *os.ProcessState) int64 {
	if cg != nil {
		if val, err := cg.readInt("memory.peak"); err == nil && val > 0 {
			return val
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		// ru_maxrss is reported in KiB on Linux.
		return usage.Maxrss * 1024
	}
	return 0
}
