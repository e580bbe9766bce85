package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

var commonBinDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// AugmentPath appends the usual install locations to a PATH value so
// binaries installed by package managers are found even when the caller
// was started with a minimal environment. The directory of bin is added
// when bin is a path.
func AugmentPath(current, bin string) string {
	var paths []string
	for _, p := range filepath.SplitList(current) {
		if p != "" {
			paths = append(paths, p)
		}
	}

	extras := append([]string(nil), commonBinDirs...)
	if home, err := os.UserHomeDir(); err == nil {
		extras = append(extras,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".local", "share", "mise", "shims"),
			filepath.Join(home, ".cargo", "bin"),
			filepath.Join(home, ".bun", "bin"),
			filepath.Join(home, "go", "bin"),
		)
		nodes, _ := filepath.Glob(filepath.Join(home, ".nvm", "versions", "node", "*", "bin"))
		extras = append(extras, nodes...)
	}
	if strings.TrimSpace(bin) != "" && strings.ContainsRune(bin, filepath.Separator) {
		extras = append(extras, filepath.Dir(bin))
	}

	seen := make(map[string]bool, len(paths)+len(extras))
	for _, p := range paths {
		seen[p] = true
	}
	for _, p := range extras {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return strings.Join(paths, string(filepath.ListSeparator))
}

// withPath returns env with PATH replaced.
func withPath(env []string, path string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			out = append(out, kv)
		}
	}
	return append(out, "PATH="+path)
}

// lookPath finds bin in the given PATH value instead of the process PATH.
// Names that cannot be found are returned unchanged so the spawn error
// names them.
func lookPath(bin, path string) string {
	if bin == "" || strings.ContainsRune(bin, filepath.Separator) {
		return bin
	}
	for _, dir := range filepath.SplitList(path) {
		candidate := filepath.Join(dir, bin)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return bin
}
