package compiler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/process"
	appErr "execbox/pkg/errors"

	"github.com/google/shlex"
)

// toolchain invokes external compilers through the process runner.
type toolchain struct {
	runner   process.Runner
	env      []string
	timeout  time.Duration
	diagMax  int64
	lookPath func(string) (string, error)
}

func newToolchain(cfg config.ToolchainConfig, runner process.Runner) *toolchain {
	return &toolchain{
		runner:   runner,
		env:      cfg.Env,
		timeout:  cfg.CompileTimeout,
		diagMax:  cfg.DiagnosticsMaxBytes,
		lookPath: exec.LookPath,
	}
}

// resolve finds name on PATH (or checks it directly when it contains a slash).
func (t *toolchain) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", appErr.New(appErr.ToolchainNotFound).WithMessage("toolchain is not configured")
	}
	path, err := t.lookPath(name)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ToolchainNotFound, "toolchain %s not found", name)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ToolchainNotFound, "toolchain %s not found", name)
	}
	return abs, nil
}

// invoke runs argv in dir. A non-zero exit becomes CompileFailure with the diagnostic stream.
func (t *toolchain) invoke(ctx context.Context, dir string, argv []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = t.timeout
	}
	path := argv[0]
	if !strings.Contains(path, "/") {
		resolved, err := t.resolve(path)
		if err != nil {
			return err
		}
		path = resolved
	}
	res, err := t.runner.Run(ctx, process.Spec{
		Path:           path,
		Args:           argv,
		Dir:            dir,
		Env:            t.env,
		WallTime:       timeout,
		MaxOutputBytes: t.diagMax,
	})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return appErr.Wrapf(err, appErr.ToolchainNotFound, "toolchain %s not found", argv[0])
		}
		return appErr.Wrapf(err, appErr.InternalServerError, "start toolchain failed")
	}
	if res.Canceled {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return appErr.Wrapf(ctxErr, appErr.Timeout, "compilation interrupted")
		} else if ctxErr != nil {
			return appErr.Wrapf(ctxErr, appErr.Canceled, "compilation canceled")
		}
	}
	diag := diagnostics(res)
	switch {
	case res.TimedOut:
		return appErr.CompileFailureError(joinDiag(fmt.Sprintf("compilation timed out after %s", timeout), diag))
	case res.Signaled():
		return appErr.CompileFailureError(joinDiag("toolchain terminated by signal "+res.Signal, diag))
	case res.ExitCode != 0:
		if diag == "" {
			diag = fmt.Sprintf("toolchain exited with status %d", res.ExitCode)
		}
		return appErr.CompileFailureError(diag)
	}
	return nil
}

func diagnostics(res process.Result) string {
	diag := strings.TrimSpace(string(res.Stderr))
	if diag == "" {
		diag = strings.TrimSpace(string(res.Stdout))
	}
	if res.StderrTruncated {
		diag += "\n... diagnostics truncated"
	}
	return diag
}

func joinDiag(head, diag string) string {
	if diag == "" {
		return head
	}
	return head + "\n" + diag
}

type templateVars struct {
	tool    string
	src     string
	bin     string
	sysroot string
	flags   []string
}

// buildCommand splits tpl with shlex and substitutes placeholders per field.
// A field that is exactly {flags} expands to zero or more arguments, so flags are never re-split.
func buildCommand(tpl string, vars templateVars) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	replacer := strings.NewReplacer(
		"{tool}", vars.tool,
		"{src}", vars.src,
		"{bin}", vars.bin,
		"{sysroot}", vars.sysroot,
	)
	argv := make([]string, 0, len(fields)+len(vars.flags))
	for _, f := range fields {
		if f == "{flags}" {
			argv = append(argv, vars.flags...)
			continue
		}
		argv = append(argv, replacer.Replace(f))
	}
	if len(argv) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return argv, nil
}
