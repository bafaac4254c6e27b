//go:build linux

// Command jail-init is started by the jailed runtime. It reads a
// jail.HelperRequest from fd 3, changes its root, applies rlimits and an
// optional seccomp profile, then execs the program. Setup errors are written
// to fd 4, which closes on a successful exec.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"execbox/internal/sandbox/jail"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const (
	requestFD = 3
	statusFD  = 4
)

func main() {
	status := os.NewFile(statusFD, "status")
	unix.CloseOnExec(statusFD)
	if err := run(); err != nil {
		if status != nil {
			_, _ = fmt.Fprintln(status, err.Error())
		}
		_, _ = fmt.Fprintln(os.Stderr, "jail-init:", err.Error())
		os.Exit(jail.HelperSetupFailed)
	}
}

func run() error {
	req, err := decodeRequest(os.NewFile(requestFD, "request"))
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	// The profile lives on the host, so it is loaded before the root changes.
	var filter *seccomp.ScmpFilter
	if req.SeccompProfile != "" {
		if filter, err = loadSeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}

	if err := unix.Chroot(req.Root); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	dir := req.Dir
	if dir == "" {
		dir = "/"
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := applyRlimits(req); err != nil {
		return err
	}

	if filter != nil {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set no new privs: %w", err)
		}
		if err := filter.Load(); err != nil {
			return fmt.Errorf("load seccomp filter: %w", err)
		}
	}

	return unix.Exec(req.Argv[0], req.Argv, buildEnv(req.Env))
}

func decodeRequest(r io.ReadCloser) (jail.HelperRequest, error) {
	if r == nil {
		return jail.HelperRequest{}, fmt.Errorf("request descriptor missing")
	}
	defer r.Close()
	var req jail.HelperRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return jail.HelperRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req jail.HelperRequest) error {
	if len(req.Argv) == 0 || !strings.HasPrefix(req.Argv[0], "/") {
		return fmt.Errorf("absolute command is required")
	}
	if req.Root == "" || req.Root == "/" {
		return fmt.Errorf("jail root is required")
	}
	return nil
}

func applyRlimits(req jail.HelperRequest) error {
	if req.MemoryBytes > 0 {
		val := uint64(req.MemoryBytes)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit as: %w", err)
		}
	}
	if req.MaxProcesses > 0 {
		val := uint64(req.MaxProcesses)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("set rlimit core: %w", err)
	}
	return nil
}

func buildEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.Contains(kv, "=") {
			out = append(out, kv)
		}
	}
	if len(out) == 0 {
		out = append(out, "PATH=/usr/bin:/bin")
	}
	return out
}

func loadSeccomp(profilePath string) (*seccomp.ScmpFilter, error) {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return nil, err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return nil, fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return nil, err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Profiles list syscalls of every architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return nil, fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	return filter, nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
