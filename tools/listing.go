package tools

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/codexbridge/errors"
)

const (
	maxListEntries    = 1000
	maxSearchMatches  = 100
	maxSearchFileSize = 2 << 20
	maxMatchLineBytes = 500
)

var skippedDirs = map[string]bool{
	"node_modules": true,
	"target":       true,
	"__pycache__":  true,
}

var defaultSearchExtensions = map[string]bool{
	".rs": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".py": true,
	".go": true, ".java": true, ".c": true, ".cpp": true, ".h": true, ".md": true,
	".json": true, ".toml": true, ".yaml": true, ".yml": true, ".txt": true,
}

// ListFilesTool lists a directory, flat or recursively.
type ListFilesTool struct {
	sb *Sandbox
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List files and directories. Recursive listings skip hidden entries and dependency directories."
}

func (t *ListFilesTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Directory path relative to the workspace root (default: root)"},
			"recursive": map[string]any{"type": "boolean", "description": "List files recursively (default: false)"},
			"pattern":   map[string]any{"type": "string", "description": "Glob pattern to filter files (e.g. \"**/*.go\")"},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	p, _ := stringArg(args, "path")
	dir, err := t.sb.Resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fail("Check the path with list_files on the parent directory", "Directory not found: %s", p)
	}
	if !info.IsDir() {
		return nil, fail("Use read_file for files", "Not a directory: %s", p)
	}

	pattern, _ := stringArg(args, "pattern")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fail("Use a glob such as \"*.go\" or \"**/*.md\"", "Invalid glob pattern: %s", pattern)
	}

	var files []string
	truncated := false
	add := func(abs string, isDir bool) bool {
		rel := t.sb.rel(abs)
		if hidden, _ := isPathRestricted(rel, t.sb.settings.Hidden); hidden {
			return true
		}
		if pattern != "" && (isDir || !matchFile(pattern, rel)) {
			return true
		}
		if len(files) >= maxListEntries {
			truncated = true
			return false
		}
		if isDir {
			rel += "/"
		}
		files = append(files, rel)
		return true
	}

	if boolArg(args, "recursive") {
		err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p == dir {
				return nil
			}
			if skipEntry(d) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !add(p, d.IsDir()) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list '%s'", p)
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list '%s'", p)
		}
		for _, e := range entries {
			if !add(filepath.Join(dir, e.Name()), e.IsDir()) {
				break
			}
		}
	}

	sort.Strings(files)
	if files == nil {
		files = []string{}
	}
	return Result{"files": files, "truncated": truncated}, nil
}

func skipEntry(d fs.DirEntry) bool {
	name := d.Name()
	if strings.HasPrefix(name, ".") {
		return true
	}
	return d.IsDir() && skippedDirs[name]
}

// matchFile matches pattern against the relative path, or against the base
// name when the pattern has no separator.
func matchFile(pattern, rel string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, path.Base(rel))
		return ok
	}
	ok, _ := doublestar.Match(pattern, rel)
	return ok
}

// SearchFilesTool greps the workspace with a regular expression.
type SearchFilesTool struct {
	sb *Sandbox
}

func (t *SearchFilesTool) Name() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Search for a regular expression in files. Returns matching lines with file paths and line numbers."
}

func (t *SearchFilesTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern":      map[string]any{"type": "string", "description": "Regular expression to search for"},
			"path":         map[string]any{"type": "string", "description": "Directory to search in (default: workspace root)"},
			"file_pattern": map[string]any{"type": "string", "description": "Glob pattern for files to search (e.g. \"*.rs\")"},
		},
		"required": []string{"pattern"},
	}
}

type searchMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	expr, err := requiredString(args, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fail("Use RE2 regular expression syntax", "Invalid regex pattern: %v", err)
	}
	p, _ := stringArg(args, "path")
	dir, err := t.sb.Resolve(p)
	if err != nil {
		return nil, err
	}
	filePattern, _ := stringArg(args, "file_pattern")
	if filePattern != "" && !doublestar.ValidatePattern(filePattern) {
		return nil, fail("Use a glob such as \"*.go\"", "Invalid glob pattern: %s", filePattern)
	}

	matches := []searchMatch{}
	truncated := false
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p != dir && skipEntry(d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel := t.sb.rel(p)
		if hidden, _ := isPathRestricted(rel, t.sb.settings.Hidden); hidden {
			return nil
		}
		if filePattern != "" {
			if !matchFile(filePattern, rel) {
				return nil
			}
		} else if !defaultSearchExtensions[filepath.Ext(p)] {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}

		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 64*1024), maxSearchFileSize)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			line := sc.Text()
			if !re.MatchString(line) {
				continue
			}
			if len(matches) >= maxSearchMatches {
				truncated = true
				return filepath.SkipAll
			}
			content, _ := Truncate(line, maxMatchLineBytes)
			matches = append(matches, searchMatch{File: rel, Line: lineNo, Content: content})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "search interrupted")
	}
	return Result{"matches": matches, "count": len(matches), "truncated": truncated}, nil
}
