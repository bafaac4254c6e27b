// Package wasm runs WASI preview1 modules in a metered wazero instance.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/capture"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/spec"
	"execbox/internal/sandbox/wasm/meter"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

const (
	pageSize = 65536
	// maxPages is the 4GiB ceiling of 32-bit linear memory.
	maxPages = 65536
)

// Runtime is the sandboxed VM. Every Run gets a new engine instance; only
// compiled machine code is shared between runs through the compilation cache.
type Runtime struct {
	engine string
	entry  string
	cache  wazero.CompilationCache
}

func New(cfg config.WasmConfig) *Runtime {
	entry := cfg.EntryPoint
	if entry == "" {
		entry = "_start"
	}
	return &Runtime{
		engine: cfg.Engine,
		entry:  entry,
		cache:  wazero.NewCompilationCache(),
	}
}

// Close releases the compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

func (r *Runtime) Supports(format artifact.TargetFormat) bool {
	return format == artifact.Wasm
}

// Run instruments the module, instantiates it fresh and calls its entry point.
// Traps, exhausted limits and timeouts are reported in the result.
func (r *Runtime) Run(ctx context.Context, req spec.RunRequest) (res result.ExecutionResult, err error) {
	if err := req.Validate(); err != nil {
		return res, err
	}
	if !r.Supports(req.Artifact.Format()) {
		return res, appErr.Newf(appErr.IncompatibleArtifact, "sandboxed VM cannot run %s artifacts", req.Artifact.Format())
	}
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return res, appErr.Wrap(err, appErr.Canceled)
	}

	code, err := req.Artifact.Bytes()
	if err != nil {
		return res, err
	}
	limits := req.Limits
	start := time.Now()
	defer func() { res.Usage.WallTime = time.Since(start) }()

	instrumented, info, err := meter.Instrument(code, limits.MaxCPUInstructions)
	if err != nil {
		res.Fault(fmt.Sprintf("instrument module: %v", err))
		return res, nil
	}

	pages := memoryPages(limits.MaxMemoryBytes)
	if info.MinPages > pages {
		res.Exceeded(result.ReasonMemory, fmt.Sprintf("module needs %d bytes of memory, limit is %d",
			int64(info.MinPages)*pageSize, limits.MaxMemoryBytes))
		return res, nil
	}

	runCtx := ctx
	if limits.MaxWallTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.MaxWallTime)
		defer cancel()
	}

	rt := wazero.NewRuntimeWithConfig(runCtx, r.runtimeConfig(max(pages, 1)))
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "close wasm runtime failed", zap.Error(err))
		}
	}()

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		if cerr := r.contextOutcome(ctx, runCtx, &res); cerr != nil || res.Outcome != "" {
			return res, cerr
		}
		return res, appErr.Wrapf(err, appErr.LaunchFailed, "instantiate WASI failed")
	}

	compiled, err := rt.CompileModule(runCtx, instrumented)
	if err != nil {
		if cerr := r.contextOutcome(ctx, runCtx, &res); cerr != nil || res.Outcome != "" {
			return res, cerr
		}
		res.Fault(fmt.Sprintf("compile module: %v", err))
		return res, nil
	}

	stdout := capture.NewBuffer(limits.MaxOutputBytes)
	stderr := capture.NewBuffer(limits.MaxOutputBytes)
	defer func() {
		res.Stdout, res.StdoutTruncated = stdout.Bytes(), stdout.Truncated()
		res.Stderr, res.StderrTruncated = stderr.Bytes(), stderr.Truncated()
	}()

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(req.Stdin)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs(append([]string{req.Artifact.Name()}, req.Args...)...).
		WithStartFunctions()
	if len(req.Mounts) > 0 {
		modCfg = modCfg.WithFSConfig(mountConfig(req.Mounts))
	}

	logger.Debug(ctx, "wasm run starting",
		zap.Int("functions", info.Functions),
		zap.Uint32("min_pages", info.MinPages),
		zap.Uint32("page_limit", pages),
		zap.Uint64("fuel", limits.MaxCPUInstructions))

	mod, err := rt.InstantiateModule(runCtx, compiled, modCfg)
	if err == nil && info.HasStart {
		_, err = mod.ExportedFunction(meter.StartExport).Call(runCtx)
	}
	if err == nil {
		entry := mod.ExportedFunction(r.entry)
		if entry == nil {
			res.Fault(fmt.Sprintf("entry point %q is not exported", r.entry))
			return res, nil
		}
		_, err = entry.Call(runCtx)
	}

	var usage snapshot
	if mod != nil {
		usage = read(mod)
		res.Usage.PeakMemoryBytes = usage.memoryBytes
		if usage.hasFuel {
			res.Usage.Instructions = info.Used(usage.fuel)
		}
	}

	if err == nil {
		res.Outcome = result.Completed
		res.ExitCode = result.ExitCodeOf(0)
		return res, nil
	}
	return res, r.classify(ctx, runCtx, err, usage, limits, &res)
}

// classify turns an error from instantiation, the start function or the
// entry call into an outcome.
func (r *Runtime) classify(ctx, runCtx context.Context, err error, usage snapshot, limits spec.ExecutionLimits, res *result.ExecutionResult) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			res.Outcome = result.TimedOut
			res.Diagnostic = "wall time limit exceeded"
			return nil
		case sys.ExitCodeContextCanceled:
			return appErr.Wrap(context.Canceled, appErr.Canceled)
		default:
			res.Outcome = result.Completed
			res.ExitCode = result.ExitCodeOf(int(exitErr.ExitCode()))
			return nil
		}
	}

	if usage.hasFuel && usage.fuel < 0 {
		res.Exceeded(result.ReasonCPU, fmt.Sprintf("instruction budget of %d exhausted", limits.MaxCPUInstructions))
		return nil
	}
	if usage.oom {
		res.Exceeded(result.ReasonMemory, fmt.Sprintf("memory growth refused at %d bytes", usage.memoryBytes))
		return nil
	}
	if cerr := r.contextOutcome(ctx, runCtx, res); cerr != nil || res.Outcome != "" {
		return cerr
	}
	res.Fault(err.Error())
	return nil
}

// contextOutcome sets TimedOut when the run context expired and returns an
// error when the caller canceled.
func (r *Runtime) contextOutcome(ctx, runCtx context.Context, res *result.ExecutionResult) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return appErr.Wrap(ctx.Err(), appErr.Canceled)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Outcome = result.TimedOut
		res.Diagnostic = "wall time limit exceeded"
	}
	return nil
}

func (r *Runtime) runtimeConfig(pages uint32) wazero.RuntimeConfig {
	var cfg wazero.RuntimeConfig
	if r.engine == config.EngineInterpreter {
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		cfg = wazero.NewRuntimeConfig()
	}
	return cfg.
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages).
		WithCompilationCache(r.cache)
}

// memoryPages converts a byte limit to whole pages, rounding down.
func memoryPages(limit int64) uint32 {
	if limit <= 0 || limit/pageSize >= maxPages {
		return maxPages
	}
	return uint32(limit / pageSize)
}

func mountConfig(mounts []spec.MountSpec) wazero.FSConfig {
	fs := wazero.NewFSConfig()
	for _, m := range mounts {
		if m.ReadOnly {
			fs = fs.WithReadOnlyDirMount(m.Source, m.Target)
		} else {
			fs = fs.WithDirMount(m.Source, m.Target)
		}
	}
	return fs
}

type snapshot struct {
	fuel        int64
	hasFuel     bool
	oom         bool
	memoryBytes int64
}

// read collects the meter globals and memory size. The module may already be
// closed by proc_exit or the context watcher.
func read(mod api.Module) (s snapshot) {
	defer func() {
		if recover() != nil {
			s = snapshot{}
		}
	}()
	if g := mod.ExportedGlobal(meter.FuelExport); g != nil {
		s.fuel = int64(g.Get())
		s.hasFuel = true
	}
	if g := mod.ExportedGlobal(meter.OOMExport); g != nil {
		s.oom = uint32(g.Get()) == 1
	}
	if mem := mod.Memory(); mem != nil {
		s.memoryBytes = int64(mem.Size())
	}
	return s
}
