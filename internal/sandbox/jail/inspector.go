package jail

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"execbox/internal/sandbox/process"
	appErr "execbox/pkg/errors"
)

// Inspector reports the direct shared-library dependencies of a binary as
// absolute paths.
type Inspector interface {
	Dependencies(ctx context.Context, binary string) ([]string, error)
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(ctx context.Context, binary string) ([]string, error)

func (f InspectorFunc) Dependencies(ctx context.Context, binary string) ([]string, error) {
	return f(ctx, binary)
}

const (
	lddTimeout   = 30 * time.Second
	lddMaxOutput = 1 << 20
)

// LddInspector asks the dynamic linker through ldd.
type LddInspector struct {
	path   string
	runner process.Runner
}

// NewLddInspector uses the ldd at path (resolved through PATH when bare).
func NewLddInspector(path string, runner process.Runner) *LddInspector {
	if path == "" {
		path = "ldd"
	}
	if runner == nil {
		runner = process.Default
	}
	return &LddInspector{path: path, runner: runner}
}

func (l *LddInspector) Dependencies(ctx context.Context, binary string) ([]string, error) {
	ldd, err := exec.LookPath(l.path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DependencyResolutionFailed, "ldd not available")
	}
	res, err := l.runner.Run(ctx, process.Spec{
		Path:           ldd,
		Args:           []string{filepath.Base(ldd), binary},
		Env:            []string{"PATH=/usr/bin:/bin", "LC_ALL=C"},
		WallTime:       lddTimeout,
		MaxOutputBytes: lddMaxOutput,
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DependencyResolutionFailed, "run ldd on %s", binary)
	}
	if res.TimedOut || res.Canceled || res.Signaled() {
		return nil, appErr.Newf(appErr.DependencyResolutionFailed, "ldd on %s did not finish", binary)
	}
	if res.ExitCode != 0 {
		if static(res.Stdout) || static(res.Stderr) {
			return nil, nil
		}
		return nil, appErr.Newf(appErr.DependencyResolutionFailed, "ldd on %s exited with %d: %s",
			binary, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	deps, err := ParseLdd(res.Stdout)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DependencyResolutionFailed, "inspect %s", binary)
	}
	return deps, nil
}

func static(out []byte) bool {
	return bytes.Contains(out, []byte("not a dynamic executable")) ||
		bytes.Contains(out, []byte("statically linked"))
}

// ParseLdd extracts absolute library paths from ldd output. Virtual objects
// such as linux-vdso are skipped; an unresolved library is an error.
func ParseLdd(out []byte) ([]string, error) {
	var deps []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Contains(line, "statically linked") {
			continue
		}
		name, target, arrow := strings.Cut(line, "=>")
		name = strings.TrimSpace(name)
		var path string
		if arrow {
			target = strings.TrimSpace(target)
			if strings.HasPrefix(target, "not found") {
				return nil, fmt.Errorf("library %s not found", name)
			}
			path = firstField(target)
		} else {
			path = firstField(name)
		}
		if !filepath.IsAbs(path) {
			// linux-vdso.so.1, linux-gate.so.1 and friends have no file.
			continue
		}
		path = filepath.Clean(path)
		if !seen[path] {
			seen[path] = true
			deps = append(deps, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return deps, nil
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
