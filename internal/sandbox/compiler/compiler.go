// Package compiler turns source bytes into artifacts by invoking external toolchains.
package compiler

import (
	"context"
	"os"
	"strings"
	"time"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/process"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Compiler compiles one language.
type Compiler interface {
	Language() artifact.Language
	// Targets lists the formats this language's toolchain can produce.
	Targets() []artifact.TargetFormat
	Compile(ctx context.Context, source []byte, opts Options) (*artifact.Artifact, error)
}

// Options controls one compile call.
type Options struct {
	// Target defaults to artifact.Native.
	Target     artifact.TargetFormat
	OptLevel   OptLevel
	ExtraFlags []string
	// Timeout overrides the configured toolchain timeout.
	Timeout time.Duration
}

// New returns the compiler for lang.
func New(lang artifact.Language, cfg config.Config, workspaces *workspace.Manager, runner process.Runner) (Compiler, error) {
	var ls languageSpec
	switch lang {
	case artifact.Rust:
		ls = rustSpec(cfg.Toolchains)
	case artifact.Cpp:
		ls = cppSpec(cfg.Toolchains)
	case artifact.Python:
		ls = pythonSpec(cfg.Toolchains)
	case artifact.JavaScript:
		ls = javascriptSpec(cfg.Toolchains)
	default:
		return nil, appErr.Newf(appErr.UnsupportedLanguage, "unsupported language: %s", lang)
	}
	if override, ok := cfg.Languages[string(lang)]; ok {
		ls = ls.withOverride(override)
	}
	if workspaces == nil {
		workspaces = workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.Prefix)
	}
	if runner == nil {
		runner = process.Default
	}
	return &templateCompiler{
		spec:       ls,
		toolchain:  newToolchain(cfg.Toolchains, runner),
		sysroot:    cfg.Toolchains.WasiSysroot,
		workspaces: workspaces,
	}, nil
}

// targetSpec describes how one target format is produced.
type targetSpec struct {
	tool string
	// template produces {bin}; for scripts it only validates {src}.
	template   string
	binaryFile string
	// script artifacts are the source file itself, run by tool.
	script       bool
	needsSysroot bool
}

// languageSpec is the data-driven description of a language.
type languageSpec struct {
	lang         artifact.Language
	sourceFile   string
	targets      map[artifact.TargetFormat]targetSpec
	order        []artifact.TargetFormat
	defaultFlags []string
	optFlags     func(OptLevel) ([]string, error)
	interpFlags  func(OptLevel) []string
}

func (ls languageSpec) withOverride(o config.LanguageConfig) languageSpec {
	if o.SourceFile != "" {
		ls.sourceFile = o.SourceFile
	}
	if len(o.DefaultFlags) > 0 {
		ls.defaultFlags = append([]string(nil), o.DefaultFlags...)
	}
	targets := make(map[artifact.TargetFormat]targetSpec, len(ls.targets))
	for format, ts := range ls.targets {
		if tpl, ok := o.CompileCmd[string(format)]; ok && strings.TrimSpace(tpl) != "" {
			ts.template = tpl
		}
		if ts.script && strings.TrimSpace(o.CheckCmd) != "" {
			ts.template = o.CheckCmd
		}
		targets[format] = ts
	}
	ls.targets = targets
	return ls
}

type templateCompiler struct {
	spec       languageSpec
	toolchain  *toolchain
	sysroot    string
	workspaces *workspace.Manager
}

func (c *templateCompiler) Language() artifact.Language { return c.spec.lang }

func (c *templateCompiler) Targets() []artifact.TargetFormat {
	out := make([]artifact.TargetFormat, len(c.spec.order))
	copy(out, c.spec.order)
	return out
}

func (c *templateCompiler) Compile(ctx context.Context, source []byte, opts Options) (*artifact.Artifact, error) {
	if len(source) == 0 {
		return nil, appErr.ValidationError("source", "must not be empty")
	}
	target := opts.Target
	if target == "" {
		target = artifact.Native
	}
	ts, ok := c.spec.targets[target]
	if !ok {
		return nil, appErr.Newf(appErr.UnsupportedTarget, "%s cannot produce %s artifacts", c.spec.lang, target)
	}
	tool, err := c.toolchain.resolve(ts.tool)
	if err != nil {
		return nil, err
	}
	if ts.needsSysroot {
		if err := checkSysroot(c.sysroot); err != nil {
			return nil, err
		}
	}
	flags, err := c.flags(opts, ts)
	if err != nil {
		return nil, err
	}

	ws, err := c.workspaces.Create(ctx, "compile-"+string(c.spec.lang))
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			_ = ws.Close()
		}
	}()

	srcPath, err := ws.WriteFile(c.spec.sourceFile, source, 0o644)
	if err != nil {
		return nil, err
	}
	outDir, err := ws.Mkdir("out")
	if err != nil {
		return nil, err
	}
	vars := templateVars{
		tool:    tool,
		src:     srcPath,
		bin:     ws.Join("out", ts.binaryFile),
		sysroot: c.sysroot,
		flags:   flags,
	}
	argv, err := buildCommand(ts.template, vars)
	if err != nil {
		return nil, err
	}

	logger.Debug(ctx, "invoking toolchain",
		zap.String("language", string(c.spec.lang)),
		zap.String("target", string(target)),
		zap.Strings("argv", argv),
	)
	if err := c.toolchain.invoke(ctx, ws.Path(), argv, opts.Timeout); err != nil {
		return nil, err
	}

	var art *artifact.Artifact
	if ts.script {
		if err := os.Chmod(srcPath, 0o444); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceIOFailure, "seal script failed")
		}
		interp := append([]string{tool}, c.interpFlags(opts.OptLevel)...)
		art, err = artifact.New(c.spec.lang, target, srcPath, interp, ws)
	} else {
		if _, statErr := os.Stat(vars.bin); statErr != nil {
			return nil, appErr.CompileFailureError("toolchain exited successfully but produced no output file")
		}
		mode := os.FileMode(0o555)
		if target == artifact.Wasm {
			mode = 0o444
		}
		if err := os.Chmod(vars.bin, mode); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceIOFailure, "seal artifact failed")
		}
		_ = os.Chmod(outDir, 0o555)
		art, err = artifact.New(c.spec.lang, target, vars.bin, nil, ws)
	}
	if err != nil {
		return nil, err
	}
	keep = true
	return art, nil
}

func (c *templateCompiler) flags(opts Options, ts targetSpec) ([]string, error) {
	var flags []string
	if c.spec.optFlags != nil && !ts.script {
		opt, err := c.spec.optFlags(opts.OptLevel)
		if err != nil {
			return nil, err
		}
		flags = append(flags, opt...)
	}
	if !ts.script {
		flags = append(flags, c.spec.defaultFlags...)
	}
	for _, f := range opts.ExtraFlags {
		if strings.TrimSpace(f) == "" {
			continue
		}
		flags = append(flags, f)
	}
	return flags, nil
}

func (c *templateCompiler) interpFlags(level OptLevel) []string {
	if c.spec.interpFlags == nil {
		return nil
	}
	return c.spec.interpFlags(level)
}

func checkSysroot(path string) error {
	if path == "" {
		return appErr.New(appErr.ToolchainNotFound).WithMessage("WASI sysroot is not configured")
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return appErr.Newf(appErr.ToolchainNotFound, "WASI sysroot not found: %s", path)
	}
	return nil
}
