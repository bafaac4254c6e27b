package jail

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"
)

// AppDir is where the entry binary lives inside a jail.
const AppDir = "/app"

// Spec describes one jail image.
type Spec struct {
	RootDirectory string
	// DependencyClosure holds absolute host paths, recreated at the same path under the root.
	DependencyClosure []string
	// EntryBinaryPath is the artifact's path inside the jail.
	EntryBinaryPath string
	// Interpreter is copied next to the closure when the artifact is a script.
	Interpreter string
	// InterpreterTrees are host directories copied read-only to the same path.
	InterpreterTrees []string
}

// materialize copies the artifact, its interpreter and interpreter trees,
// the dependency closure and the caller's auxiliary files under
// spec.RootDirectory.
func materialize(s Spec, artifactPath string, aux []spec.MountSpec) error {
	if err := os.Chmod(s.RootDirectory, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceIOFailure, "prepare jail root")
	}
	files := append([]string(nil), s.DependencyClosure...)
	if s.Interpreter != "" {
		files = append(files, s.Interpreter)
	}
	for _, dep := range files {
		dst, err := within(s.RootDirectory, dep)
		if err != nil {
			return err
		}
		if err := copyFile(dep, dst); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceIOFailure, "copy %s into jail", dep)
		}
	}

	dst, err := within(s.RootDirectory, s.EntryBinaryPath)
	if err != nil {
		return err
	}
	if err := copyFile(artifactPath, dst); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceIOFailure, "copy artifact into jail")
	}

	copies := make([]spec.MountSpec, 0, len(s.InterpreterTrees)+len(aux))
	for _, dir := range s.InterpreterTrees {
		copies = append(copies, spec.MountSpec{Source: dir, Target: dir, ReadOnly: true})
	}
	copies = append(copies, aux...)
	for _, m := range copies {
		dst, err := within(s.RootDirectory, m.Target)
		if err != nil {
			return err
		}
		if err := copyTree(m.Source, dst, m.ReadOnly); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceIOFailure, "copy %s into jail", m.Source)
		}
	}
	return nil
}

// within maps an absolute jail path to the host path under root.
func within(root, path string) (string, error) {
	clean := filepath.Clean("/" + path)
	dst := filepath.Join(root, clean)
	if dst != root && !strings.HasPrefix(dst, root+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.InvalidParams, "path %s escapes the jail", path)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o400)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string, readOnly bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := copyFile(src, dst); err != nil {
			return err
		}
		if readOnly {
			return os.Chmod(dst, info.Mode().Perm()&^0o222)
		}
		return nil
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			if err := copyFile(path, target); err != nil {
				return err
			}
			if readOnly {
				fi, err := d.Info()
				if err != nil {
					return err
				}
				return os.Chmod(target, fi.Mode().Perm()&^0o222)
			}
			return nil
		default:
			// Devices, sockets and fifos stay outside the jail.
			return nil
		}
	})
}
