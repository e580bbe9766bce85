package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/m4xw311/codexbridge/errors"
)

// ReadFileTool reads a text file, optionally a window of lines.
type ReadFileTool struct {
	sb *Sandbox
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Supports reading a range of lines with offset and limit."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string", "description": "Path to the file, relative to the workspace root"},
			"offset": map[string]any{"type": "integer", "description": "Line number to start reading from (1-indexed)"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	path, err := requiredString(args, "path")
	if err != nil {
		return nil, err
	}
	resolved, err := t.sb.Resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fail("Check the path with list_files", "File not found: %s", path)
		}
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if !utf8.Valid(data) {
		return nil, fail("Binary files cannot be read as text", "File is not valid UTF-8: %s", path)
	}

	lines := splitLines(string(data))
	total := len(lines)

	start := 0
	if offset, ok := intArg(args, "offset"); ok && offset > 1 {
		start = offset - 1
	}
	if start > total {
		start = total
	}
	end := total
	if limit, ok := intArg(args, "limit"); ok && limit >= 0 && start+limit < total {
		end = start + limit
	}

	var content string
	if start == 0 && end == total {
		content = string(data)
	} else {
		content = strings.Join(lines[start:end], "\n")
	}
	content, truncated := Truncate(content, t.sb.settings.MaxOutputBytes)
	return Result{
		"content":    content,
		"totalLines": total,
		"truncated":  truncated,
	}, nil
}

// splitLines splits on newlines without producing a phantom final line for
// a trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct {
	sb *Sandbox
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file. Creates the file and any parent directories if they don't exist, and overwrites existing content."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path to the file, relative to the workspace root"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	path, err := requiredString(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return nil, fail("", "Missing required parameter: content")
	}
	resolved, err := t.sb.resolveWritable(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create parent directories for '%s'", path)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return Result{
		"success":      true,
		"path":         t.sb.rel(resolved),
		"bytesWritten": len(content),
	}, nil
}

// EditFileTool replaces a unique occurrence of old_text.
type EditFileTool struct {
	sb *Sandbox
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text. old_text must occur exactly once in the file."
}

func (t *EditFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "Path to the file, relative to the workspace root"},
			"old_text": map[string]any{"type": "string", "description": "Exact text to find and replace"},
			"new_text": map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	path, err := requiredString(args, "path")
	if err != nil {
		return nil, err
	}
	oldText, err := requiredString(args, "old_text")
	if err != nil {
		return nil, err
	}
	newText, ok := stringArg(args, "new_text")
	if !ok {
		return nil, fail("", "Missing required parameter: new_text")
	}
	resolved, err := t.sb.resolveWritable(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fail("Check the path with list_files", "File not found: %s", path)
		}
		return nil, errors.Wrapf(err, "failed to stat file '%s'", path)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	content := string(data)

	switch n := strings.Count(content, oldText); n {
	case 0:
		return nil, fail("Make sure old_text matches exactly including whitespace", "old_text not found in file")
	case 1:
	default:
		return nil, fail("Provide more context to make the match unique", "old_text found %d times in file, expected exactly 1", n)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), info.Mode().Perm()); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return Result{
		"success":      true,
		"path":         t.sb.rel(resolved),
		"replacements": 1,
	}, nil
}
