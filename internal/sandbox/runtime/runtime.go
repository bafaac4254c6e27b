// Package runtime is the closed set of execution strategies.
package runtime

import (
	"context"
	"strings"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/jail"
	"execbox/internal/sandbox/native"
	"execbox/internal/sandbox/observer"
	"execbox/internal/sandbox/process"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/wasm"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
)

// Kind names a runtime variant.
type Kind string

const (
	// Native runs the artifact unconfined. Unsafe for untrusted code.
	Native Kind = "native"
	// Wasm runs a module in the metered sandboxed VM.
	Wasm Kind = "wasm"
	// Jailed runs the artifact chrooted into an image of its dependency closure.
	Jailed Kind = "jailed"
)

// Kinds lists every runtime in a stable order.
var Kinds = []Kind{Native, Wasm, Jailed}

func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "native", "":
		return Native, nil
	case "wasm", "vm", "sandbox":
		return Wasm, nil
	case "jailed", "jail", "chroot":
		return Jailed, nil
	default:
		return "", appErr.Newf(appErr.UnsupportedRuntime, "unsupported runtime: %s", name)
	}
}

// Runtime executes artifacts. Behaviour of the program (exit status, traps,
// timeouts, exhausted limits) is reported in the result; errors are reserved
// for failures of the runtime itself.
type Runtime interface {
	Kind() Kind
	Supports(format artifact.TargetFormat) bool
	Run(ctx context.Context, req spec.RunRequest) (result.ExecutionResult, error)
}

type engine interface {
	Supports(format artifact.TargetFormat) bool
	Run(ctx context.Context, req spec.RunRequest) (result.ExecutionResult, error)
}

type bound struct {
	engine
	kind Kind
}

func (b bound) Kind() Kind { return b.kind }

// Deps are the collaborators shared by every runtime.
type Deps struct {
	Config     config.Config
	Workspaces *workspace.Manager
	Runner     process.Runner
	Metrics    observer.MetricsRecorder
	// Jail overrides the jailed runtime's host integrations in tests.
	JailInspector jail.Inspector
	JailLauncher  jail.Launcher
}

// New returns the runtime for kind.
func New(kind Kind, deps Deps) (Runtime, error) {
	workspaces := deps.Workspaces
	if workspaces == nil {
		workspaces = workspace.NewManager(deps.Config.Workspace.Root, deps.Config.Workspace.Prefix)
	}
	switch kind {
	case Native:
		return bound{engine: native.New(deps.Config.Native, workspaces, deps.Runner), kind: kind}, nil
	case Wasm:
		return bound{engine: wasm.New(deps.Config.Wasm), kind: kind}, nil
	case Jailed:
		jailRoots := workspace.NewManager(deps.Config.Jail.Root, deps.Config.Workspace.Prefix)
		return bound{engine: jail.New(jail.Options{
			Config:     deps.Config.Jail,
			Workspaces: jailRoots,
			Inspector:  deps.JailInspector,
			Launcher:   deps.JailLauncher,
			Metrics:    deps.Metrics,
		}), kind: kind}, nil
	default:
		return nil, appErr.Newf(appErr.UnsupportedRuntime, "unsupported runtime: %s", kind)
	}
}

// NewAll builds every runtime.
func NewAll(deps Deps) (map[Kind]Runtime, error) {
	out := make(map[Kind]Runtime, len(Kinds))
	for _, k := range Kinds {
		rt, err := New(k, deps)
		if err != nil {
			return nil, err
		}
		out[k] = rt
	}
	return out, nil
}

// Close releases resources held by rt, such as the VM compilation cache.
func Close(ctx context.Context, rt Runtime) error {
	if b, ok := rt.(bound); ok {
		if c, ok := b.engine.(interface{ Close(context.Context) error }); ok {
			return c.Close(ctx)
		}
	}
	return nil
}
