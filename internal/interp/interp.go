// Package interp locates a script interpreter on the search path of a job.
package interp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/CZERTAINLY/Toolshell/internal/shellenv"
)

// Locator returns the path of an interpreter binary or model.ErrInterpreterNotFound
type Locator interface {
	Locate(ctx context.Context, env shellenv.Snapshot) (string, error)
}

// LocatorFunc adapts a function to the Locator interface
type LocatorFunc func(ctx context.Context, env shellenv.Snapshot) (string, error)

func (f LocatorFunc) Locate(ctx context.Context, env shellenv.Snapshot) (string, error) {
	return f(ctx, env)
}

// PathLocator probes the candidate names in order on PATH of the given
// environment. Nothing is cached, tools can be installed or removed between
// two calls.
type PathLocator struct {
	candidates []string
}

func NewPathLocator(candidates ...string) PathLocator {
	if len(candidates) == 0 {
		candidates = model.DefaultInterpreters
	}
	return PathLocator{candidates: append([]string(nil), candidates...)}
}

func (l PathLocator) Candidates() []string {
	return append([]string(nil), l.candidates...)
}

func (l PathLocator) Locate(ctx context.Context, env shellenv.Snapshot) (string, error) {
	path := searchPath(env)
	for _, name := range l.candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		found, err := lookPath(name, path, env)
		if err == nil {
			return found, nil
		}
	}
	return "", fmt.Errorf("looking for %s: %w", strings.Join(l.candidates, ", "), model.ErrInterpreterNotFound)
}

// LookPath is exec.LookPath searching PATH of env instead of the one of the
// current process. Without PATH in env the process PATH is used.
func LookPath(name string, env shellenv.Snapshot) (string, error) {
	return lookPath(name, searchPath(env), env)
}

func searchPath(env shellenv.Snapshot) string {
	if path, ok := env["PATH"]; ok {
		return path
	}
	return os.Getenv("PATH")
}

func lookPath(name, path string, env shellenv.Snapshot) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if err := executable(name); err != nil {
			return "", err
		}
		return name, nil
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		for _, candidate := range withExts(filepath.Join(dir, name), env) {
			if err := executable(candidate); err == nil {
				if !filepath.IsAbs(candidate) {
					return candidate, fmt.Errorf("%s: %w", candidate, exec.ErrDot)
				}
				return candidate, nil
			}
		}
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func withExts(path string, env shellenv.Snapshot) []string {
	if runtime.GOOS != "windows" {
		return []string{path}
	}
	exts := env["PATHEXT"]
	if exts == "" {
		exts = ".com;.exe;.bat;.cmd"
	}
	ret := []string{path}
	for ext := range strings.SplitSeq(strings.ToLower(exts), ";") {
		if ext != "" {
			ret = append(ret, path+ext)
		}
	}
	return ret
}

func executable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fs.ErrPermission
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if info.Mode()&0o111 == 0 {
		return fs.ErrPermission
	}
	return nil
}

// IsNotFound reports whether err means no interpreter is available
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrInterpreterNotFound)
}
