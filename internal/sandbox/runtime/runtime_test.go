package runtime_test

import (
	"context"
	"testing"

	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/runtime"
	"execbox/internal/sandbox/workspace"
	appErr "execbox/pkg/errors"
)

func TestParseKind(t *testing.T) {
	cases := map[string]runtime.Kind{
		"native": runtime.Native,
		"":       runtime.Native,
		"WASM":   runtime.Wasm,
		"jail":   runtime.Jailed,
		"jailed": runtime.Jailed,
	}
	for in, want := range cases {
		got, err := runtime.ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := runtime.ParseKind("docker"); appErr.GetCode(err) != appErr.UnsupportedRuntime {
		t.Fatalf("expected UnsupportedRuntime, got %v", err)
	}
}

func TestNewAll(t *testing.T) {
	deps := runtime.Deps{Config: config.Default(), Workspaces: workspace.NewManager(t.TempDir(), "")}
	all, err := runtime.NewAll(deps)
	if err != nil {
		t.Fatalf("NewAll: %v", err)
	}
	want := map[runtime.Kind]artifact.TargetFormat{
		runtime.Native: artifact.Native,
		runtime.Wasm:   artifact.Wasm,
		runtime.Jailed: artifact.Native,
	}
	for kind, format := range want {
		rt := all[kind]
		if rt == nil || rt.Kind() != kind {
			t.Fatalf("runtime %s missing or mislabeled", kind)
		}
		if !rt.Supports(format) {
			t.Fatalf("%s should support %s", kind, format)
		}
		if err := runtime.Close(context.Background(), rt); err != nil {
			t.Fatalf("Close %s: %v", kind, err)
		}
	}
	if all[runtime.Wasm].Supports(artifact.Native) || all[runtime.Native].Supports(artifact.Wasm) {
		t.Fatalf("runtimes must reject foreign formats")
	}
	if _, err := runtime.New("docker", deps); appErr.GetCode(err) != appErr.UnsupportedRuntime {
		t.Fatalf("expected UnsupportedRuntime, got %v", err)
	}
}
