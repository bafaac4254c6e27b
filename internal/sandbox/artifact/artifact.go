// Package artifact defines compiled artifacts handed from compilers to runtimes.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	appErr "execbox/pkg/errors"
)

// Language identifies a source language.
type Language string

const (
	Rust       Language = "rust"
	Cpp        Language = "cpp"
	Python     Language = "python"
	JavaScript Language = "javascript"
)

// Languages lists every supported language in a stable order.
var Languages = []Language{Rust, Cpp, Python, JavaScript}

// ParseLanguage maps a user-facing name to a Language.
func ParseLanguage(name string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "rust", "rs":
		return Rust, nil
	case "cpp", "c++", "cxx":
		return Cpp, nil
	case "python", "py", "python3":
		return Python, nil
	case "javascript", "js", "node":
		return JavaScript, nil
	default:
		return "", appErr.Newf(appErr.UnsupportedLanguage, "unsupported language: %s", name)
	}
}

// TargetFormat is the binary format of an artifact.
type TargetFormat string

const (
	// Native is a host executable, or a script run by a host interpreter.
	Native TargetFormat = "native"
	// Wasm is a WASI preview1 module for the sandboxed VM.
	Wasm TargetFormat = "wasm"
)

// ParseTargetFormat maps a user-facing name to a TargetFormat. Empty means Native.
func ParseTargetFormat(name string) (TargetFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "native", "exe", "executable":
		return Native, nil
	case "wasm", "wasi", "module":
		return Wasm, nil
	default:
		return "", appErr.Newf(appErr.UnsupportedTarget, "unsupported target format: %s", name)
	}
}

// Artifact is the immutable output of a compile call.
// The file at Path is owned by the workspace passed to New and disappears on Close.
type Artifact struct {
	language    Language
	format      TargetFormat
	path        string
	interpreter []string

	owner     io.Closer
	closeOnce sync.Once
	closeErr  error
}

// New creates an artifact for a file that is already fully written.
// interpreter is the absolute argv prefix used to run scripts; nil for executables and modules.
func New(lang Language, format TargetFormat, path string, interpreter []string, owner io.Closer) (*Artifact, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("artifact path must be absolute: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOFailure, "stat artifact failed")
	}
	interp := make([]string, len(interpreter))
	copy(interp, interpreter)
	return &Artifact{
		language:    lang,
		format:      format,
		path:        path,
		interpreter: interp,
		owner:       owner,
	}, nil
}

func (a *Artifact) Language() Language { return a.language }

func (a *Artifact) Format() TargetFormat { return a.format }

// Path returns the absolute host path of the artifact file.
func (a *Artifact) Path() string { return a.path }

// Name returns the artifact file name.
func (a *Artifact) Name() string { return filepath.Base(a.path) }

// Interpreter returns a copy of the interpreter argv prefix.
func (a *Artifact) Interpreter() []string {
	out := make([]string, len(a.interpreter))
	copy(out, a.interpreter)
	return out
}

// Command returns the argv that runs the artifact found at path.
func (a *Artifact) Command(path string, args []string) []string {
	cmd := make([]string, 0, len(a.interpreter)+1+len(args))
	cmd = append(cmd, a.interpreter...)
	cmd = append(cmd, path)
	return append(cmd, args...)
}

// Bytes reads the artifact contents.
func (a *Artifact) Bytes() ([]byte, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOFailure, "read artifact failed")
	}
	return data, nil
}

// Close releases the owning workspace. Safe to call more than once.
func (a *Artifact) Close() error {
	a.closeOnce.Do(func() {
		if a.owner != nil {
			a.closeErr = a.owner.Close()
		}
	})
	return a.closeErr
}
