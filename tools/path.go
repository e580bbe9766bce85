package tools

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/codexbridge/errors"
)

const hintOutsideWorkspace = "Use a path inside the workspace root"

func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve workspace root '%s'", root)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errors.Wrapf(err, "workspace root '%s' does not exist", root)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat workspace root '%s'", root)
	}
	if !info.IsDir() {
		return "", errors.New("workspace root '%s' is not a directory", root)
	}
	return canonical, nil
}

// Resolve maps a tool-supplied path onto the workspace. Relative paths are
// taken from the root. The canonical target (or, for a target that does not
// exist yet, its nearest existing ancestor) must lie inside the root.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	resolved, err := canonicalize(p)
	if err != nil {
		return "", fail(hintOutsideWorkspace, "Cannot resolve path: %s", path)
	}
	if !s.contains(resolved) {
		return "", fail(hintOutsideWorkspace, "Path is outside workspace: %s", path)
	}

	rel := s.rel(resolved)
	hidden, err := isPathRestricted(rel, s.settings.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", fail("", "Access denied: path '%s' is hidden", path)
	}
	return resolved, nil
}

// resolveWritable is Resolve plus the read-only check.
func (s *Sandbox) resolveWritable(path string) (string, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return "", err
	}
	readOnly, err := isPathRestricted(s.rel(resolved), s.settings.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", fail("", "Access denied: path '%s' is read-only", path)
	}
	return resolved, nil
}

// canonicalize resolves symlinks in p. When p does not exist, the nearest
// existing ancestor is resolved and the missing tail is appended to it.
func canonicalize(p string) (string, error) {
	if _, err := os.Lstat(p); err == nil {
		return filepath.EvalSymlinks(p)
	}
	var tail []string
	dir := p
	for {
		parent := filepath.Dir(dir)
		tail = append([]string{filepath.Base(dir)}, tail...)
		if parent == dir {
			return "", errors.New("no existing ancestor for '%s'", p)
		}
		dir = parent
		if _, err := os.Lstat(dir); err == nil {
			base, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return "", err
			}
			return filepath.Join(append([]string{base}, tail...)...), nil
		}
	}
}

func (s *Sandbox) contains(p string) bool {
	if p == s.root {
		return true
	}
	prefix := s.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// rel returns p relative to the root, slash separated, for glob matching
// and for results shown to the model.
func (s *Sandbox) rel(p string) string {
	r, err := filepath.Rel(s.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}
