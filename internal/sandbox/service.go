package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/artifactcache"
	"execbox/internal/sandbox/compiler"
	"execbox/internal/sandbox/observer"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/runtime"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/contextkey"
	"execbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// MaxSourceBytes is the largest source accepted by Execute.
const MaxSourceBytes = 1 << 20

// Service compiles and runs programs. It is safe for concurrent use.
type Service struct {
	compilers map[artifact.Language]compiler.Compiler
	runtimes  map[runtime.Kind]runtime.Runtime
	limits    spec.ExecutionLimits
	metrics   observer.MetricsRecorder
	sem       *semaphore.Weighted
}

// NewService builds the compilers and runtimes not supplied in opts.
func NewService(opts Options) (*Service, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "invalid config: %v", err)
	}
	workspaces := opts.Workspaces
	if workspaces == nil {
		workspaces = workspace.NewManager(opts.Config.Workspace.Root, opts.Config.Workspace.Prefix)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}

	compilers := make(map[artifact.Language]compiler.Compiler, len(artifact.Languages))
	for lang, c := range opts.Compilers {
		compilers[lang] = c
	}
	if len(compilers) == 0 {
		for _, lang := range artifact.Languages {
			c, err := compiler.New(lang, opts.Config, workspaces, opts.Runner)
			if err != nil {
				return nil, err
			}
			compilers[lang] = c
		}
	}
	if opts.Cache != nil {
		for lang, c := range compilers {
			compilers[lang] = artifactcache.Wrap(c, opts.Cache, opts.CacheTTL, workspaces)
		}
	}

	runtimes := opts.Runtimes
	if len(runtimes) == 0 {
		var err error
		runtimes, err = runtime.NewAll(runtime.Deps{
			Config:     opts.Config,
			Workspaces: workspaces,
			Runner:     opts.Runner,
			Metrics:    metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	svc := &Service{
		compilers: compilers,
		runtimes:  runtimes,
		limits:    opts.Config.Limits,
		metrics:   metrics,
	}
	if opts.MaxConcurrent > 0 {
		svc.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return svc, nil
}

// Compile turns source into an artifact. The caller owns the artifact and must Close it.
func (s *Service) Compile(ctx context.Context, lang artifact.Language, source []byte, opts compiler.Options) (*artifact.Artifact, error) {
	c, ok := s.compilers[lang]
	if !ok {
		return nil, appErr.Newf(appErr.UnsupportedLanguage, "unsupported language: %s", lang)
	}
	ctx = withInvocationID(ctx)
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	target := opts.Target
	if target == "" {
		target = artifact.Native
	}
	start := time.Now()
	art, err := c.Compile(ctx, source, opts)
	s.metrics.ObserveCompile(ctx, string(lang), string(target), err == nil, time.Since(start))
	if err != nil {
		logger.Info(ctx, "compile failed",
			zap.String("language", string(lang)),
			zap.String("target", string(target)),
			zap.Int("code", int(appErr.GetCode(err))),
		)
		return nil, err
	}
	logger.Debug(ctx, "compile finished",
		zap.String("language", string(lang)),
		zap.String("target", string(target)),
		zap.Duration("duration", time.Since(start)),
	)
	return art, nil
}

// Run executes req.Artifact under the runtime named by kind. Zero limits
// are filled from the configured defaults. The artifact is not closed.
func (s *Service) Run(ctx context.Context, kind runtime.Kind, req spec.RunRequest) (result.ExecutionResult, error) {
	rt, ok := s.runtimes[kind]
	if !ok {
		return result.ExecutionResult{}, appErr.Newf(appErr.UnsupportedRuntime, "unsupported runtime: %s", kind)
	}
	ctx = withInvocationID(ctx)
	if err := s.acquire(ctx); err != nil {
		return result.ExecutionResult{}, err
	}
	defer s.release()

	req.Limits = req.Limits.Merge(s.limits)
	res, err := rt.Run(ctx, req)
	if err != nil {
		logger.Info(ctx, "run failed",
			zap.String("runtime", string(kind)),
			zap.Int("code", int(appErr.GetCode(err))),
			zap.Error(err),
		)
		return result.ExecutionResult{}, err
	}
	s.metrics.ObserveRun(ctx, string(kind), string(res.Outcome), string(res.Reason), res.Usage.WallTime, res.Usage.PeakMemoryBytes)
	logger.Debug(ctx, "run finished",
		zap.String("runtime", string(kind)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", string(res.Reason)),
		zap.Duration("wall_time", res.Usage.WallTime),
	)
	return res, nil
}

// Execute preprocesses, compiles and runs in one call. Compile problems
// are returned as errors; program behaviour is in the result.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (result.ExecutionResult, error) {
	ctx = withInvocationID(ctx)
	chain := make([]compiler.Preprocessor, 0, len(req.Preprocessors)+2)
	chain = append(chain, compiler.StripBOM())
	chain = append(chain, req.Preprocessors...)
	chain = append(chain, compiler.MaxSourceBytes(MaxSourceBytes))
	source, err := compiler.Chain(ctx, req.Source, chain...)
	if err != nil {
		return result.ExecutionResult{}, err
	}

	kind := req.Runtime
	if kind == "" {
		kind = runtime.Native
	}
	rt, ok := s.runtimes[kind]
	if !ok {
		return result.ExecutionResult{}, appErr.Newf(appErr.UnsupportedRuntime, "unsupported runtime: %s", kind)
	}
	opts := req.CompileOptions
	if opts.Target == "" {
		opts.Target = defaultTarget(rt)
	}
	if !rt.Supports(opts.Target) {
		return result.ExecutionResult{}, appErr.Newf(appErr.IncompatibleArtifact, "%s runtime cannot run %s artifacts", kind, opts.Target)
	}

	art, err := s.Compile(ctx, req.Language, source, opts)
	if err != nil {
		return result.ExecutionResult{}, err
	}
	defer func() {
		if cerr := art.Close(); cerr != nil {
			logger.Warn(ctx, "close artifact failed", zap.Error(cerr))
		}
	}()

	return s.Run(ctx, kind, spec.RunRequest{
		Artifact: art,
		Stdin:    req.Stdin,
		Args:     req.Args,
		Limits:   req.Limits,
		Mounts:   req.Mounts,
		AuxFiles: req.AuxFiles,
	})
}

// Languages lists configured languages and their targets.
func (s *Service) Languages() []LanguageInfo {
	out := make([]LanguageInfo, 0, len(s.compilers))
	for lang, c := range s.compilers {
		out = append(out, LanguageInfo{Language: lang, Targets: c.Targets()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Runtimes lists the configured runtime kinds.
func (s *Service) Runtimes() []runtime.Kind {
	out := make([]runtime.Kind, 0, len(s.runtimes))
	for _, k := range runtime.Kinds {
		if _, ok := s.runtimes[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Close releases runtime resources.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for kind, rt := range s.runtimes {
		if err := runtime.Close(ctx, rt); err != nil {
			errs = append(errs, fmt.Errorf("close %s runtime: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) acquire(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return appErr.Wrapf(err, appErr.Timeout, "timed out waiting for an execution slot")
		}
		return appErr.Wrapf(err, appErr.Canceled, "canceled while waiting for an execution slot")
	}
	return nil
}

func (s *Service) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func defaultTarget(rt runtime.Runtime) artifact.TargetFormat {
	if rt.Supports(artifact.Native) {
		return artifact.Native
	}
	return artifact.Wasm
}

func withInvocationID(ctx context.Context) context.Context {
	if ctx.Value(contextkey.InvocationID) != nil {
		return ctx
	}
	return context.WithValue(ctx, contextkey.InvocationID, uuid.NewString())
}
