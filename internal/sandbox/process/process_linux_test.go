//go:build linux

package process_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"execbox/internal/sandbox/process"
)

func shell(t *testing.T, script string) process.Spec {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return process.Spec{
		Path: sh,
		Args: []string{"sh", "-c", script},
		Dir:  t.TempDir(),
		Env:  []string{"PATH=/usr/bin:/bin"},
	}
}

func TestRunLinux(t *testing.T) {
	cases := []struct {
		name   string
		spec   func(t *testing.T) process.Spec
		ctx    func() (context.Context, context.CancelFunc)
		verify func(t *testing.T, res process.Result, err error)
	}{
		{
			name: "stdout and exit code",
			spec: func(t *testing.T) process.Spec {
				return shell(t, "printf hello; printf oops >&2; exit 3")
			},
			verify: func(t *testing.T, res process.Result, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if string(res.Stdout) != "hello" || string(res.Stderr) != "oops" {
					t.Fatalf("unexpected output: %q %q", res.Stdout, res.Stderr)
				}
				if res.ExitCode != 3 || res.Signaled() || res.TimedOut {
					t.Fatalf("unexpected status: %+v", res)
				}
			},
		},
		{
			name: "stdin is piped",
			spec: func(t *testing.T) process.Spec {
				s := shell(t, "cat")
				s.Stdin = []byte("from stdin")
				return s
			},
			verify: func(t *testing.T, res process.Result, err error) {
				if err != nil || string(res.Stdout) != "from stdin" {
					t.Fatalf("unexpected result: %q err=%v", res.Stdout, err)
				}
			},
		},
		{
			name: "wall time kills the whole group",
			spec: func(t *testing.T) process.Spec {
				s := shell(t, "sleep 30 & sleep 30")
				s.WallTime = 200 * time.Millisecond
				return s
			},
			verify: func(t *testing.T, res process.Result, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if !res.TimedOut || !res.Signaled() {
					t.Fatalf("expected timed out by signal, got %+v", res)
				}
				if res.WallTime > 10*time.Second {
					t.Fatalf("watchdog did not fire in time: %v", res.WallTime)
				}
			},
		},
		{
			name: "output is bounded",
			spec: func(t *testing.T) process.Spec {
				s := shell(t, "i=0; while [ $i -lt 100 ]; do printf 0123456789; i=$((i+1)); done")
				s.MaxOutputBytes = 25
				return s
			},
			verify: func(t *testing.T, res process.Result, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if len(res.Stdout) != 25 || !res.StdoutTruncated {
					t.Fatalf("expected 25 truncated bytes, got %d truncated=%v", len(res.Stdout), res.StdoutTruncated)
				}
				if res.ExitCode != 0 {
					t.Fatalf("truncation must not kill the program, exit=%d", res.ExitCode)
				}
			},
		},
		{
			name: "signal death has no exit code",
			spec: func(t *testing.T) process.Spec {
				return shell(t, "kill -SEGV $$")
			},
			verify: func(t *testing.T, res process.Result, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if !strings.Contains(res.Signal, "segmentation") {
					t.Fatalf("expected SIGSEGV, got %q", res.Signal)
				}
			},
		},
		{
			name: "context cancel",
			spec: func(t *testing.T) process.Spec {
				return shell(t, "sleep 30")
			},
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 150*time.Millisecond)
			},
			verify: func(t *testing.T, res process.Result, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if !res.Canceled || res.TimedOut {
					t.Fatalf("expected canceled, got %+v", res)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			if tc.ctx != nil {
				ctx, cancel = tc.ctx()
			}
			defer cancel()
			res, err := process.Run(ctx, tc.spec(t))
			tc.verify(t, res, err)
		})
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := process.Run(context.Background(), process.Spec{
		Path: "/nonexistent/binary",
		Args: []string{"binary"},
	})
	if err == nil {
		t.Fatalf("expected start error")
	}
}
