package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m4xw311/codexbridge/errors"
	"go.uber.org/zap"
)

// ShellTool runs a command vector inside the workspace.
//
// The denylist is a substring match against the joined command line. It
// catches accidents, not adversaries: quoting or indirection bypass it, so
// isolation has to come from the OS (container, restricted user, namespace).
type ShellTool struct {
	sb *Sandbox
}

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Description() string {
	return "Execute a shell command in the workspace directory. Returns stdout, stderr and the exit code."
}

func (t *ShellTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "The command and its arguments as an array of strings",
			},
			"workdir": map[string]any{
				"type":        "string",
				"description": "Working directory relative to the workspace root",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in milliseconds (default 30000)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	argv, ok := stringSliceArg(args, "command")
	if !ok || len(argv) == 0 {
		return nil, fail("Pass the command as an array of strings", "Missing required parameter: command")
	}

	line := strings.Join(argv, " ")
	for _, denied := range t.sb.settings.DeniedCommands {
		if denied != "" && strings.Contains(line, denied) {
			t.sb.logger.Warn("blocked shell command", zap.String("command", line), zap.String("pattern", denied))
			return nil, fail("This command matches a blocked pattern", "Command blocked for safety reasons")
		}
	}

	dir := t.sb.root
	if wd, ok := stringArg(args, "workdir"); ok && wd != "" {
		resolved, err := t.sb.Resolve(wd)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	timeout := t.sb.settings.ShellTimeout
	if ms, ok := intArg(args, "timeout"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fail("Increase the timeout or run a shorter command", "Command timed out after %dms", timeout.Milliseconds())
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fail("Check that the program is installed and on PATH", "Failed to run command '%s': %v", argv[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	out, outTrunc := Truncate(stdout.String(), t.sb.settings.MaxOutputBytes)
	errOut, errTrunc := Truncate(stderr.String(), t.sb.settings.MaxOutputBytes)
	return Result{
		"stdout":    out,
		"stderr":    errOut,
		"exitCode":  exitCode,
		"truncated": outTrunc || errTrunc,
	}, nil
}

// Truncate caps s at max bytes. Content at or under the budget comes back
// unchanged; longer content is cut on a rune boundary and gets a marker
// carrying the original size.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n...[truncated, %d bytes total]", len(s)), true
}
