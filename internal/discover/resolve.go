package discover

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/MatthewMckee4/karva/internal/errors"
)

// Target is one canonicalized user-provided path, optionally narrowed to a
// single function by a "path::function" selector.
type Target struct {
	// AbsPath is a file or directory path, canonicalized and rooted at the
	// project root.
	AbsPath string
	// Func, if non-empty, restricts the target to a single test function
	// defined in AbsPath (AbsPath must be a file in that case).
	Func string
}

// ResolveTargets turns user-supplied path arguments into canonical
// Targets rooted at projectRoot. An
// unreadable path is a CLI invocation error (exit code 2), not a
// collection error, since it is caught before discovery runs.
func ResolveTargets(projectRoot string, paths []string) ([]Target, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	out := make([]Target, 0, len(paths))
	for _, p := range paths {
		raw, fn := splitSelector(p)
		abs, err := canonicalize(projectRoot, raw)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid path %q", p)
		}
		if fn != "" {
			info, err := os.Stat(abs)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid path %q", p)
			}
			if info.IsDir() {
				return nil, errors.Errorf("%q: a function selector requires a file, not a directory", p)
			}
		}
		out = append(out, Target{AbsPath: abs, Func: fn})
	}
	return out, nil
}

// splitSelector splits "path::function" into its components. A path
// containing no "::" returns an empty function.
func splitSelector(p string) (path, fn string) {
	if i := strings.LastIndex(p, "::"); i >= 0 {
		return p[:i], p[i+2:]
	}
	return p, ""
}

func canonicalize(projectRoot, p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(projectRoot, p)
	}
	abs, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Matches reports whether a module at modPath, possibly running testName,
// is selected by t.
func (t Target) Matches(modPath, testName string) bool {
	if !withinOrEqual(t.AbsPath, modPath) {
		return false
	}
	if t.Func == "" {
		return true
	}
	return t.Func == testName
}

func withinOrEqual(base, path string) bool {
	info, err := os.Stat(base)
	if err == nil && !info.IsDir() {
		return base == path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}
