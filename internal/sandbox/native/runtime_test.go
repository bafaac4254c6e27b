package native_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/native"
	"execbox/internal/sandbox/process"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
)

func newArtifact(t *testing.T, format artifact.TargetFormat, content string, interpreter []string) *artifact.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main")
	if err := os.WriteFile(path, []byte(content), 0o555); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	a, err := artifact.New(artifact.Cpp, format, path, interpreter, nil)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	return a
}

func TestRunUsesFreshWorkspace(t *testing.T) {
	root := t.TempDir()
	var seen process.Spec
	var existed bool
	runner := process.RunnerFunc(func(ctx context.Context, s process.Spec) (process.Result, error) {
		seen = s
		_, err := os.Stat(s.Dir)
		existed = err == nil
		return process.Result{Stdout: []byte("ok"), ExitCode: 0, WallTime: time.Millisecond}, nil
	})
	rt := native.New(config.NativeConfig{Env: []string{"PATH=/bin"}}, workspace.NewManager(root, "t-"), runner)

	a := newArtifact(t, artifact.Native, "#!/bin/sh\n", []string{"/bin/sh"})
	res, err := rt.Run(context.Background(), spec.RunRequest{
		Artifact: a,
		Stdin:    []byte("in"),
		Args:     []string{"x"},
		Limits:   spec.ExecutionLimits{MaxWallTime: time.Second, MaxOutputBytes: 10},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() || string(res.Stdout) != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !existed || !strings.HasPrefix(seen.Dir, root) {
		t.Fatalf("expected a workspace under %s, got %q", root, seen.Dir)
	}
	if _, err := os.Stat(seen.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, stat err=%v", err)
	}
	want := []string{"/bin/sh", a.Path(), "x"}
	if seen.Path != "/bin/sh" || strings.Join(seen.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected command %q %v", seen.Path, seen.Args)
	}
	if seen.WallTime != time.Second || seen.MaxOutputBytes != 10 || string(seen.Stdin) != "in" {
		t.Fatalf("limits not passed through: %+v", seen)
	}
}

func TestRunRejectsWasm(t *testing.T) {
	rt := native.New(config.NativeConfig{}, workspace.NewManager(t.TempDir(), ""), process.RunnerFunc(
		func(ctx context.Context, s process.Spec) (process.Result, error) {
			t.Fatalf("runner must not be called")
			return process.Result{}, nil
		}))
	_, err := rt.Run(context.Background(), spec.RunRequest{Artifact: newArtifact(t, artifact.Wasm, "\x00asm", nil)})
	if appErr.GetCode(err) != appErr.IncompatibleArtifact {
		t.Fatalf("expected IncompatibleArtifact, got %v", err)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	rt := native.New(config.NativeConfig{}, workspace.NewManager(t.TempDir(), ""), process.RunnerFunc(
		func(ctx context.Context, s process.Spec) (process.Result, error) {
			return process.Result{}, errors.New("exec format error")
		}))
	_, err := rt.Run(context.Background(), spec.RunRequest{Artifact: newArtifact(t, artifact.Native, "x", nil)})
	if appErr.GetCode(err) != appErr.LaunchFailed {
		t.Fatalf("expected LaunchFailed, got %v", err)
	}
}

func TestTranslate(t *testing.T) {
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name     string
		ctx      context.Context
		pres     process.Result
		outcome  result.Outcome
		reason   result.Reason
		exitCode int
		wantErr  appErr.ErrorCode
	}{
		{name: "exit zero", ctx: context.Background(), pres: process.Result{ExitCode: 0}, outcome: result.Completed, exitCode: 0},
		{name: "non-zero exit", ctx: context.Background(), pres: process.Result{ExitCode: 2}, outcome: result.Completed, exitCode: 2},
		{name: "watchdog", ctx: context.Background(), pres: process.Result{TimedOut: true, ExitCode: -1, Signal: "killed"}, outcome: result.TimedOut, exitCode: -1},
		{name: "deadline", ctx: expired, pres: process.Result{Canceled: true, ExitCode: -1, Signal: "killed"}, outcome: result.TimedOut, exitCode: -1},
		{name: "oom", ctx: context.Background(), pres: process.Result{OOMKilled: true, ExitCode: -1, Signal: "killed"}, outcome: result.ResourceExceeded, reason: result.ReasonMemory, exitCode: -1},
		{name: "signal", ctx: context.Background(), pres: process.Result{ExitCode: -1, Signal: "segmentation fault"}, outcome: result.Faulted, exitCode: -1},
		{name: "canceled", ctx: canceled, pres: process.Result{Canceled: true}, wantErr: appErr.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := native.Translate(tc.ctx, tc.pres, spec.ExecutionLimits{MaxWallTime: time.Second})
			if tc.wantErr != 0 {
				if appErr.GetCode(err) != tc.wantErr {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if res.Outcome != tc.outcome || res.Reason != tc.reason {
				t.Fatalf("expected %s/%s, got %s/%s", tc.outcome, tc.reason, res.Outcome, res.Reason)
			}
			if tc.exitCode < 0 && res.ExitCode != nil {
				t.Fatalf("expected no exit code, got %d", *res.ExitCode)
			}
			if tc.exitCode >= 0 && (res.ExitCode == nil || *res.ExitCode != tc.exitCode) {
				t.Fatalf("expected exit code %d, got %v", tc.exitCode, res.ExitCode)
			}
		})
	}
}
