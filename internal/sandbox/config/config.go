// Package config holds the explicit configuration passed to compilers and runtimes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"execbox/internal/sandbox/spec"

	"gopkg.in/yaml.v3"
)

// Config is constructed once and handed to every compiler and runtime.
type Config struct {
	Toolchains ToolchainConfig           `yaml:"toolchains"`
	Languages  map[string]LanguageConfig `yaml:"languages"`
	Workspace  WorkspaceConfig           `yaml:"workspace"`
	Native     NativeConfig              `yaml:"native"`
	Wasm       WasmConfig                `yaml:"wasm"`
	Jail       JailConfig                `yaml:"jail"`
	Limits     spec.ExecutionLimits      `yaml:"limits"`
}

// ToolchainConfig names the external compilers and SDKs.
// Bare names are resolved through PATH at compile time.
type ToolchainConfig struct {
	Rustc               string        `yaml:"rustc"`
	Clang               string        `yaml:"clang"`
	Python              string        `yaml:"python"`
	Node                string        `yaml:"node"`
	Javy                string        `yaml:"javy"`
	WasiSysroot         string        `yaml:"wasiSysroot"`
	CompileTimeout      time.Duration `yaml:"compileTimeout"`
	DiagnosticsMaxBytes int64         `yaml:"diagnosticsMaxBytes"`
	Env                 []string      `yaml:"env"`
}

// LanguageConfig overrides the built-in command templates of one language.
// Templates may use {src}, {bin}, {flags} and {sysroot}.
type LanguageConfig struct {
	SourceFile   string            `yaml:"sourceFile"`
	CompileCmd   map[string]string `yaml:"compileCmd"`
	CheckCmd     string            `yaml:"checkCmd"`
	DefaultFlags []string          `yaml:"defaultFlags"`
}

type WorkspaceConfig struct {
	Root   string `yaml:"root"`
	Prefix string `yaml:"prefix"`
}

type NativeConfig struct {
	Env        []string `yaml:"env"`
	CgroupRoot string   `yaml:"cgroupRoot"`
}

type WasmConfig struct {
	// Engine is "interpreter" or "compiler".
	Engine     string `yaml:"engine"`
	EntryPoint string `yaml:"entryPoint"`
}

type JailConfig struct {
	Root           string   `yaml:"root"`
	LddPath        string   `yaml:"lddPath"`
	HelperPath     string   `yaml:"helperPath"`
	SeccompProfile string   `yaml:"seccompProfile"`
	CgroupRoot     string   `yaml:"cgroupRoot"`
	NProc          int64    `yaml:"nproc"`
	Env            []string `yaml:"env"`
	// InterpreterTrees lists, per language, host directories an interpreter
	// needs besides its shared libraries, e.g. python: [/usr/lib/python3.12].
	// They are copied read-only to the same path inside every jail.
	InterpreterTrees map[string][]string `yaml:"interpreterTrees"`
}

const (
	EngineInterpreter = "interpreter"
	EngineCompiler    = "compiler"
)

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML file and applies defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// ApplyDefaults fills empty fields.
func (c *Config) ApplyDefaults() {
	t := &c.Toolchains
	if t.Rustc == "" {
		t.Rustc = "rustc"
	}
	if t.Clang == "" {
		t.Clang = "clang++"
	}
	if t.Python == "" {
		t.Python = "python3"
	}
	if t.Node == "" {
		t.Node = "node"
	}
	if t.Javy == "" {
		t.Javy = "javy"
	}
	if t.CompileTimeout <= 0 {
		t.CompileTimeout = 60 * time.Second
	}
	if t.DiagnosticsMaxBytes <= 0 {
		t.DiagnosticsMaxBytes = 64 * 1024
	}
	if len(t.Env) == 0 {
		t.Env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}
	if c.Workspace.Prefix == "" {
		c.Workspace.Prefix = "execbox-"
	}
	if c.Wasm.Engine == "" {
		c.Wasm.Engine = EngineCompiler
	}
	if c.Wasm.EntryPoint == "" {
		c.Wasm.EntryPoint = "_start"
	}
	if c.Jail.LddPath == "" {
		c.Jail.LddPath = "ldd"
	}
	if len(c.Native.Env) == 0 {
		c.Native.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	}
	if len(c.Jail.Env) == 0 {
		c.Jail.Env = []string{"PATH=/usr/bin:/bin"}
	}
}

// Validate rejects values no component can use.
func (c Config) Validate() error {
	switch c.Wasm.Engine {
	case EngineInterpreter, EngineCompiler:
	default:
		return fmt.Errorf("unsupported wasm engine: %s", c.Wasm.Engine)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Jail.NProc < 0 {
		return fmt.Errorf("jail nproc must not be negative")
	}
	for lang, dirs := range c.Jail.InterpreterTrees {
		for _, dir := range dirs {
			if !filepath.IsAbs(dir) {
				return fmt.Errorf("jail interpreter tree for %s must be absolute: %s", lang, dir)
			}
		}
	}
	return nil
}

// ApplyEnv overlays toolchain locations from the environment.
// lookup is os.LookupEnv in production; tests pass a map.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("WASI_SYSROOT", &c.Toolchains.WasiSysroot)
	// JAVY_PATH names the directory holding the javy binary.
	if v, ok := lookup("JAVY_PATH"); ok && strings.TrimSpace(v) != "" {
		c.Toolchains.Javy = filepath.Join(strings.TrimSpace(v), "javy")
	}
	set("EXECBOX_RUSTC", &c.Toolchains.Rustc)
	set("EXECBOX_CLANG", &c.Toolchains.Clang)
	set("EXECBOX_PYTHON", &c.Toolchains.Python)
	set("EXECBOX_NODE", &c.Toolchains.Node)
	set("EXECBOX_WORKSPACE_ROOT", &c.Workspace.Root)
	set("EXECBOX_JAIL_ROOT", &c.Jail.Root)
	set("EXECBOX_JAIL_HELPER", &c.Jail.HelperPath)
	if v, ok := lookup("EXECBOX_COMPILE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Toolchains.CompileTimeout = d
		}
	}
	if v, ok := lookup("EXECBOX_MAX_OUTPUT_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Limits.MaxOutputBytes = n
		}
	}
}
