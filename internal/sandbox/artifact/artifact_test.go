package artifact_test

import (
	"os"
	"path/filepath"
	"testing"

	"execbox/internal/sandbox/artifact"
	appErr "execbox/pkg/errors"
)

type countingCloser struct{ calls int }

func (c *countingCloser) Close() error {
	c.calls++
	return nil
}

func TestParseLanguage(t *testing.T) {
	cases := []struct {
		in   string
		want artifact.Language
	}{
		{"rust", artifact.Rust},
		{"C++", artifact.Cpp},
		{"py", artifact.Python},
		{" node ", artifact.JavaScript},
	}
	for _, tc := range cases {
		got, err := artifact.ParseLanguage(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseLanguage(%q) = %q, %v", tc.in, got, err)
		}
	}
	if _, err := artifact.ParseLanguage("cobol"); !appErr.Is(err, appErr.UnsupportedLanguage) {
		t.Fatalf("expected UnsupportedLanguage, got %v", err)
	}
}

func TestParseTargetFormat(t *testing.T) {
	if f, err := artifact.ParseTargetFormat(""); err != nil || f != artifact.Native {
		t.Fatalf("expected native default, got %q %v", f, err)
	}
	if f, err := artifact.ParseTargetFormat("wasi"); err != nil || f != artifact.Wasm {
		t.Fatalf("expected wasm, got %q %v", f, err)
	}
	if _, err := artifact.ParseTargetFormat("jvm"); !appErr.Is(err, appErr.UnsupportedTarget) {
		t.Fatalf("expected UnsupportedTarget, got %v", err)
	}
}

func TestArtifactAccessorsAndClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.py")
	if err := os.WriteFile(path, []byte("print(1)\n"), 0o444); err != nil {
		t.Fatalf("write: %v", err)
	}
	owner := &countingCloser{}
	interp := []string{"/usr/bin/python3"}
	art, err := artifact.New(artifact.Python, artifact.Native, path, interp, owner)
	if err != nil {
		t.Fatalf("new artifact: %v", err)
	}
	interp[0] = "mutated"
	if got := art.Interpreter(); got[0] != "/usr/bin/python3" {
		t.Fatalf("interpreter aliased caller slice: %v", got)
	}
	cmd := art.Command("/app/main.py", []string{"a"})
	if len(cmd) != 3 || cmd[0] != "/usr/bin/python3" || cmd[1] != "/app/main.py" || cmd[2] != "a" {
		t.Fatalf("unexpected command: %v", cmd)
	}
	data, err := art.Bytes()
	if err != nil || string(data) != "print(1)\n" {
		t.Fatalf("unexpected bytes: %q %v", data, err)
	}
	if art.Name() != "main.py" {
		t.Fatalf("unexpected name: %s", art.Name())
	}
	_ = art.Close()
	_ = art.Close()
	if owner.calls != 1 {
		t.Fatalf("expected owner closed once, got %d", owner.calls)
	}
}

func TestNewRejectsRelativeOrMissing(t *testing.T) {
	if _, err := artifact.New(artifact.Rust, artifact.Native, "rel/bin", nil, nil); err == nil {
		t.Fatalf("expected error for relative path")
	}
	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := artifact.New(artifact.Rust, artifact.Native, missing, nil, nil); !appErr.Is(err, appErr.WorkspaceIOFailure) {
		t.Fatalf("expected WorkspaceIOFailure, got %v", err)
	}
}
