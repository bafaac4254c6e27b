package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"execbox/internal/sandbox/config"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
toolchains:
  rustc: /opt/rust/bin/rustc
  compileTimeout: 5s
limits:
  maxWallTime: 2s
  maxOutputBytes: 4096
languages:
  cpp:
    defaultFlags: ["-std=c++17"]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Toolchains.Rustc != "/opt/rust/bin/rustc" || cfg.Toolchains.Clang != "clang++" {
		t.Fatalf("unexpected toolchains: %+v", cfg.Toolchains)
	}
	if cfg.Toolchains.CompileTimeout != 5*time.Second {
		t.Fatalf("unexpected compile timeout: %v", cfg.Toolchains.CompileTimeout)
	}
	if cfg.Limits.MaxWallTime != 2*time.Second || cfg.Limits.MaxOutputBytes != 4096 {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}
	if cfg.Wasm.Engine != config.EngineCompiler || cfg.Wasm.EntryPoint != "_start" {
		t.Fatalf("unexpected wasm defaults: %+v", cfg.Wasm)
	}
	if got := cfg.Languages["cpp"].DefaultFlags; len(got) != 1 || got[0] != "-std=c++17" {
		t.Fatalf("unexpected cpp flags: %v", got)
	}
}

func TestParseRejectsUnknownEngine(t *testing.T) {
	if _, err := config.Parse([]byte("wasm:\n  engine: jit\n")); err == nil {
		t.Fatalf("expected error for unknown engine")
	}
}

func TestParseInterpreterTrees(t *testing.T) {
	cfg, err := config.Parse([]byte("jail:\n  interpreterTrees:\n    python: [/usr/lib/python3.12]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Jail.InterpreterTrees["python"]; len(got) != 1 || got[0] != "/usr/lib/python3.12" {
		t.Fatalf("unexpected interpreter trees %v", cfg.Jail.InterpreterTrees)
	}
	if _, err := config.Parse([]byte("jail:\n  interpreterTrees:\n    python: [lib/python3]\n")); err == nil {
		t.Fatalf("expected error for a relative interpreter tree")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execd.yaml")
	if err := os.WriteFile(path, []byte("jail:\n  nproc: 8\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Jail.NProc != 8 || cfg.Jail.LddPath != "ldd" {
		t.Fatalf("unexpected jail config: %+v", cfg.Jail)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WASI_SYSROOT":            "/opt/wasi-sysroot",
		"JAVY_PATH":               "/opt/javy",
		"EXECBOX_COMPILE_TIMEOUT": "90s",
		"EXECBOX_NODE":            "  ",
	}
	cfg := config.Default()
	cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if cfg.Toolchains.WasiSysroot != "/opt/wasi-sysroot" || cfg.Toolchains.Javy != "/opt/javy/javy" {
		t.Fatalf("env not applied: %+v", cfg.Toolchains)
	}
	if cfg.Toolchains.CompileTimeout != 90*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.Toolchains.CompileTimeout)
	}
	if cfg.Toolchains.Node != "node" {
		t.Fatalf("blank env value must not override: %q", cfg.Toolchains.Node)
	}
}
