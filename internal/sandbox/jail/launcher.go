package jail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"execbox/internal/sandbox/process"
	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"
)

// LaunchRequest is one program started inside a materialized image.
type LaunchRequest struct {
	Root string
	// Argv uses paths as seen inside the jail.
	Argv   []string
	Dir    string
	Env    []string
	Stdin  []byte
	Limits spec.ExecutionLimits
}

// Launcher runs a program with its filesystem root changed to Root.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (process.Result, error)
}

// ChrootLauncher lets the kernel change the child's root between fork and exec.
type ChrootLauncher struct {
	Runner       process.Runner
	CgroupRoot   string
	MaxProcesses int64
}

func (l ChrootLauncher) Launch(ctx context.Context, req LaunchRequest) (process.Result, error) {
	runner := l.Runner
	if runner == nil {
		runner = process.Default
	}
	res, err := runner.Run(ctx, process.Spec{
		Path:           req.Argv[0],
		Args:           req.Argv,
		Dir:            req.Dir,
		Env:            req.Env,
		Stdin:          req.Stdin,
		WallTime:       req.Limits.MaxWallTime,
		MaxOutputBytes: req.Limits.MaxOutputBytes,
		MaxMemoryBytes: req.Limits.MaxMemoryBytes,
		MaxProcesses:   l.MaxProcesses,
		Chroot:         req.Root,
		CgroupRoot:     l.CgroupRoot,
	})
	if err != nil {
		return res, launchError(err)
	}
	return res, nil
}

// HelperLauncher starts the jail-init helper, which chroots, applies rlimits
// and an optional seccomp profile, then execs the program.
type HelperLauncher struct {
	HelperPath     string
	SeccompProfile string
	MaxProcesses   int64
	Runner         process.Runner
}

// HelperRequest is the JSON document the helper reads from fd 3.
type HelperRequest struct {
	Root           string   `json:"root"`
	Dir            string   `json:"dir"`
	Argv           []string `json:"argv"`
	Env            []string `json:"env"`
	MemoryBytes    int64    `json:"memoryBytes"`
	MaxProcesses   int64    `json:"maxProcesses"`
	SeccompProfile string   `json:"seccompProfile"`
}

// Exit code the helper uses when it fails before exec.
const HelperSetupFailed = 126

func (l HelperLauncher) Launch(ctx context.Context, req LaunchRequest) (process.Result, error) {
	runner := l.Runner
	if runner == nil {
		runner = process.Default
	}
	payload, err := json.Marshal(HelperRequest{
		Root:           req.Root,
		Dir:            req.Dir,
		Argv:           req.Argv,
		Env:            req.Env,
		MemoryBytes:    req.Limits.MaxMemoryBytes,
		MaxProcesses:   l.MaxProcesses,
		SeccompProfile: l.SeccompProfile,
	})
	if err != nil {
		return process.Result{}, fmt.Errorf("encode helper request: %w", err)
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return process.Result{}, appErr.Wrapf(err, appErr.LaunchFailed, "create request pipe")
	}
	defer reqR.Close()
	if _, err := reqW.Write(payload); err != nil {
		_ = reqW.Close()
		return process.Result{}, appErr.Wrapf(err, appErr.LaunchFailed, "write helper request")
	}
	_ = reqW.Close()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return process.Result{}, appErr.Wrapf(err, appErr.LaunchFailed, "create status pipe")
	}
	defer statusR.Close()
	defer statusW.Close()

	res, err := runner.Run(ctx, process.Spec{
		Path:           l.HelperPath,
		Args:           []string{"jail-init"},
		Env:            []string{},
		Stdin:          req.Stdin,
		WallTime:       req.Limits.MaxWallTime,
		MaxOutputBytes: req.Limits.MaxOutputBytes,
		ExtraFiles:     []*os.File{reqR, statusW},
		Started: func(int) {
			_ = statusW.Close()
		},
	})
	if err != nil {
		return res, launchError(err)
	}
	_ = statusW.Close()

	status, _ := io.ReadAll(io.LimitReader(statusR, 64*1024))
	if msg := strings.TrimSpace(string(status)); msg != "" {
		if strings.Contains(msg, "operation not permitted") {
			return res, appErr.Newf(appErr.PrivilegeRequired, "jail helper: %s", msg)
		}
		return res, appErr.Newf(appErr.LaunchFailed, "jail helper: %s", msg)
	}
	return res, nil
}

func launchError(err error) error {
	if errors.Is(err, syscall.EPERM) || errors.Is(err, os.ErrPermission) {
		return appErr.Wrapf(err, appErr.PrivilegeRequired, "changing the root directory needs privileges")
	}
	return appErr.Wrapf(err, appErr.LaunchFailed, "start jailed process")
}
