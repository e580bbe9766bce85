package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/m4xw311/codexbridge/errors"
)

const doctorTimeout = 5 * time.Second

// Report is the outcome of Doctor.
type Report struct {
	OK          bool    `json:"ok"`
	Backend     Backend `json:"backend"`
	Executable  string  `json:"executable"`
	Version     string  `json:"version,omitempty"`
	AppServerOK bool    `json:"appServerOk"`
	Details     string  `json:"details,omitempty"`
	Path        string  `json:"path"`
}

// Doctor checks that a backend's executable starts: it runs `<bin>
// --version`, then asks the app-server subcommand for its help text. Each
// command is bounded by a five second timeout.
func (m *Manager) Doctor(ctx context.Context, backend Backend, bin string) Report {
	backend, err := ParseBackend(string(backend))
	if err != nil {
		return Report{Details: err.Error()}
	}
	exe, args := m.command(Entry{Backend: backend, Executable: bin})
	path := AugmentPath(os.Getenv("PATH"), exe)
	r := Report{Backend: backend, Executable: exe, Path: path}

	version, err := runCheck(ctx, exe, path, "--version")
	if err != nil {
		r.Details = err.Error()
		return r
	}
	r.Version = version

	helpArgs := append(append([]string(nil), args...), "--help")
	if _, err := runCheck(ctx, exe, path, helpArgs...); err != nil {
		r.Details = fmt.Sprintf("Failed to run `%s %s`: %v", exe, strings.Join(helpArgs, " "), err)
		return r
	}
	r.AppServerOK = true
	r.OK = true
	return r
}

// runCheck runs exe with args and returns its trimmed stdout.
func runCheck(ctx context.Context, exe, path string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, lookPath(exe, path), args...)
	cmd.Env = withPath(os.Environ(), path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", errors.New("timed out while checking %s; make sure `%s %s` runs in a terminal", exe, exe, strings.Join(args, " "))
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return "", errors.New("%s not found; install it and make sure it is on your PATH", exe)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			return "", errors.New("%s failed to start: %v", exe, err)
		}
		return "", errors.New("%s failed to start: %s", exe, detail)
	}
	return strings.TrimSpace(stdout.String()), nil
}
