package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "execd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
exec:
  maxConcurrent: 4
  maxLimits:
    maxWallTime: 10s
sandbox:
  limits:
    maxWallTime: 2s
`)
	env := map[string]string{"EXECBOX_RUSTC": "/opt/rust/bin/rustc"}
	cfg, err := loadAppConfig(path, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.MaxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Exec.MaxConcurrent != 4 || cfg.Exec.MaxLimits.MaxWallTime != 10*time.Second {
		t.Fatalf("unexpected exec config: %+v", cfg.Exec)
	}
	if cfg.Sandbox.Toolchains.Rustc != "/opt/rust/bin/rustc" || cfg.Sandbox.Toolchains.Clang != "clang++" {
		t.Fatalf("sandbox defaults or env overlay missing: %+v", cfg.Sandbox.Toolchains)
	}
	if cfg.Sandbox.Limits.MaxWallTime != 2*time.Second {
		t.Fatalf("unexpected default limits: %+v", cfg.Sandbox.Limits)
	}
	if cfg.Exec.RateLimit.Window != defaultRateWindow || cfg.Server.CORS.Enabled {
		t.Fatalf("unexpected rate limit or cors defaults: %+v %+v", cfg.Exec.RateLimit, cfg.Server.CORS)
	}
	if cfg.Logger.Level != "info" || cfg.Cache.Enabled {
		t.Fatalf("unexpected logger or cache config: %+v %+v", cfg.Logger, cfg.Cache)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	cases := map[string]string{
		"cache without redis":  "cache:\n  enabled: true\n",
		"bad engine":           "sandbox:\n  wasm:\n    engine: jit\n",
		"negative ceiling":     "exec:\n  maxLimits:\n    maxMemoryBytes: -1\n",
		"negative concurrency": "exec:\n  maxConcurrent: -1\n",
		"negative rate limit":  "exec:\n  rateLimit:\n    ipMax: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadAppConfig(writeConfig(t, body), nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := loadAppConfig(filepath.Join("..", "..", "configs", "execd.yaml"), nil)
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Exec.AllowNative || cfg.Sandbox.Jail.NProc != 64 || cfg.Exec.RateLimit.IPMax != 60 {
		t.Fatalf("unexpected shipped config: %+v", cfg.Exec)
	}
}
