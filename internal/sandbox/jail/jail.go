// Package jail runs native artifacts with their filesystem root changed to a
// minimal image holding the artifact and its shared-library closure.
//
// The jail confines the filesystem view only. Network, process and user
// namespaces are shared with the host, so this is weaker than the sandboxed VM
// and must not be presented as equivalent.
package jail

import (
	"context"
	"errors"
	"path"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/native"
	"execbox/internal/sandbox/observer"
	"execbox/internal/sandbox/process"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// State is a step of one jailed invocation.
type State string

const (
	Prepared             State = "Prepared"
	DependenciesResolved State = "DependenciesResolved"
	ImageMaterialized    State = "ImageMaterialized"
	Running              State = "Running"
	TornDown             State = "TornDown"
)

// Options configures a Runtime. Nil fields get the host defaults.
type Options struct {
	Config     config.JailConfig
	Workspaces *workspace.Manager
	Inspector  Inspector
	Launcher   Launcher
	Metrics    observer.MetricsRecorder
	// OnState is called after every transition.
	OnState func(ctx context.Context, s Spec, state State)
}

type Runtime struct {
	workspaces *workspace.Manager
	inspector  Inspector
	launcher   Launcher
	metrics    observer.MetricsRecorder
	onState    func(ctx context.Context, s Spec, state State)
	env        []string
	trees      map[artifact.Language][]string
}

// stdlibInterpreters cannot start without their standard library tree.
var stdlibInterpreters = map[artifact.Language]bool{artifact.Python: true}

func New(opts Options) *Runtime {
	cfg := opts.Config
	r := &Runtime{
		workspaces: opts.Workspaces,
		inspector:  opts.Inspector,
		launcher:   opts.Launcher,
		metrics:    opts.Metrics,
		onState:    opts.OnState,
		env:        append([]string(nil), cfg.Env...),
		trees:      make(map[artifact.Language][]string, len(cfg.InterpreterTrees)),
	}
	for lang, dirs := range cfg.InterpreterTrees {
		r.trees[artifact.Language(lang)] = append([]string(nil), dirs...)
	}
	if r.workspaces == nil {
		r.workspaces = workspace.NewManager(cfg.Root, "execbox-")
	}
	if r.inspector == nil {
		r.inspector = NewLddInspector(cfg.LddPath, process.Default)
	}
	if r.launcher == nil {
		if cfg.HelperPath != "" {
			r.launcher = HelperLauncher{
				HelperPath:     cfg.HelperPath,
				SeccompProfile: cfg.SeccompProfile,
				MaxProcesses:   cfg.NProc,
			}
		} else {
			r.launcher = ChrootLauncher{CgroupRoot: cfg.CgroupRoot, MaxProcesses: cfg.NProc}
		}
	}
	if r.metrics == nil {
		r.metrics = observer.NoopMetricsRecorder{}
	}
	return r
}

func (r *Runtime) Supports(format artifact.TargetFormat) bool {
	return format == artifact.Native
}

// Run walks Prepared -> DependenciesResolved -> ImageMaterialized -> Running
// and always ends in TornDown with the jail root removed.
func (r *Runtime) Run(ctx context.Context, req spec.RunRequest) (result.ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return result.ExecutionResult{}, err
	}
	a := req.Artifact
	if !r.Supports(a.Format()) {
		return result.ExecutionResult{}, appErr.Newf(appErr.IncompatibleArtifact, "jailed runtime cannot run %s artifacts", a.Format())
	}
	trees := r.trees[a.Language()]
	if len(a.Interpreter()) > 0 && stdlibInterpreters[a.Language()] && len(trees) == 0 {
		return result.ExecutionResult{}, appErr.Newf(appErr.IncompatibleArtifact,
			"jailed runtime has no interpreter tree configured for %s", a.Language())
	}
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return result.ExecutionResult{}, appErr.Wrap(err, appErr.Canceled)
	}

	ws, err := r.workspaces.Create(ctx, "jail")
	if err != nil {
		return result.ExecutionResult{}, err
	}
	s := Spec{
		RootDirectory:   ws.Path(),
		EntryBinaryPath: path.Join(AppDir, a.Name()),
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn(ctx, "jail teardown failed", zap.String("root", s.RootDirectory), zap.Error(err))
		}
		r.enter(ctx, s, TornDown)
	}()
	r.enter(ctx, s, Prepared)

	roots := []string{a.Path()}
	if interp := a.Interpreter(); len(interp) > 0 {
		// The script itself has no dynamic dependencies; its interpreter does.
		s.Interpreter = interp[0]
		s.InterpreterTrees = trees
		roots = []string{interp[0]}
	}
	closure, err := Resolve(ctx, r.inspector, roots...)
	if err != nil {
		if appErr.GetError(err) == nil {
			err = appErr.Wrapf(err, appErr.DependencyResolutionFailed, "resolve dependencies of %s", roots[0])
		}
		return result.ExecutionResult{}, err
	}
	s.DependencyClosure = closureWithout(closure, a.Path())
	r.enter(ctx, s, DependenciesResolved)

	if err := materialize(s, a.Path(), req.AuxFiles); err != nil {
		return result.ExecutionResult{}, err
	}
	r.enter(ctx, s, ImageMaterialized)

	r.enter(ctx, s, Running)
	pres, err := r.launcher.Launch(ctx, LaunchRequest{
		Root:   s.RootDirectory,
		Argv:   a.Command(s.EntryBinaryPath, req.Args),
		Dir:    AppDir,
		Env:    r.env,
		Stdin:  req.Stdin,
		Limits: req.Limits,
	})
	if err != nil {
		if appErr.GetError(err) == nil {
			err = appErr.Wrapf(err, appErr.LaunchFailed, "launch jailed process")
		}
		return result.ExecutionResult{}, err
	}
	return native.Translate(ctx, pres, req.Limits)
}

func (r *Runtime) enter(ctx context.Context, s Spec, state State) {
	logger.Debug(ctx, "jail state", zap.String("state", string(state)), zap.String("root", s.RootDirectory))
	r.metrics.ObserveJailState(ctx, string(state))
	if r.onState != nil {
		r.onState(ctx, s, state)
	}
}

func closureWithout(closure []string, self string) []string {
	out := closure[:0]
	for _, dep := range closure {
		if dep != self {
			out = append(out, dep)
		}
	}
	return out
}
