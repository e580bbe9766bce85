package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/logging"
	"go.uber.org/zap"
)

// Tool defines the interface for any action the model can take. Execute may
// return an error; the sandbox turns it into an {error, hint} payload so the
// model can react.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Result is the structured payload returned to the model.
type Result map[string]any

// IsError reports whether the payload describes a failure.
func (r Result) IsError() bool {
	_, ok := r["error"]
	return ok
}

// Definition is the catalog entry offered to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Error is a failure with an optional hint for the model.
type Error struct {
	Message string
	Hint    string
}

func (e *Error) Error() string { return e.Message }

func fail(hint, format string, a ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, a...), Hint: hint}
}

// Settings are the sandbox limits.
type Settings struct {
	ShellTimeout   time.Duration
	MaxOutputBytes int
	DeniedCommands []string
	Hidden         []string
	ReadOnly       []string
}

// SettingsFromConfig copies the sandbox section of the configuration.
func SettingsFromConfig(cfg config.Sandbox) Settings {
	return Settings{
		ShellTimeout:   cfg.ShellTimeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
		DeniedCommands: cfg.DeniedCommands,
		Hidden:         cfg.FilesystemAccess.Hidden,
		ReadOnly:       cfg.FilesystemAccess.ReadOnly,
	}
}

// Sandbox executes the tool catalog against one workspace root.
type Sandbox struct {
	root     string
	settings Settings
	logger   *zap.Logger

	tools map[string]Tool
	order []string
}

// NewSandbox canonicalizes root and registers the built-in tools.
func NewSandbox(root string, settings Settings, logger *zap.Logger) (*Sandbox, error) {
	canonical, err := canonicalRoot(root)
	if err != nil {
		return nil, err
	}
	if settings.ShellTimeout <= 0 {
		settings.ShellTimeout = config.DefaultShellTimeout
	}
	if settings.MaxOutputBytes <= 0 {
		settings.MaxOutputBytes = config.DefaultMaxOutputBytes
	}
	if settings.DeniedCommands == nil {
		settings.DeniedCommands = config.DefaultDeniedCommands
	}
	s := &Sandbox{
		root:     canonical,
		settings: settings,
		logger:   logging.OrNop(logger),
		tools:    make(map[string]Tool),
	}
	for _, t := range []Tool{
		&ShellTool{sb: s},
		&ReadFileTool{sb: s},
		&WriteFileTool{sb: s},
		&ListFilesTool{sb: s},
		&SearchFilesTool{sb: s},
		&EditFileTool{sb: s},
	} {
		if err := s.Register(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Root is the canonical workspace directory.
func (s *Sandbox) Root() string { return s.root }

// Register adds a tool to the catalog. Names must be unique.
func (s *Sandbox) Register(t Tool) error {
	if _, exists := s.tools[t.Name()]; exists {
		return errors.New("tool %q is already registered", t.Name())
	}
	s.tools[t.Name()] = t
	s.order = append(s.order, t.Name())
	return nil
}

// Tool looks up a registered tool.
func (s *Sandbox) Tool(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Definitions returns the catalog in registration order.
func (s *Sandbox) Definitions() []Definition {
	defs := make([]Definition, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		defs = append(defs, Definition{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return defs
}

// Names returns the registered tool names, sorted.
func (s *Sandbox) Names() []string {
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

// Execute runs a tool by name. It never returns an error: every failure,
// including a panic inside the tool, comes back as an {error, hint?} payload.
func (s *Sandbox) Execute(ctx context.Context, name string, input json.RawMessage) (result Result) {
	t, ok := s.tools[name]
	if !ok {
		return Result{"error": fmt.Sprintf("Unknown tool: %s", name)}
	}

	args := map[string]any{}
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{"error": fmt.Sprintf("Invalid tool input: %v", err), "hint": "Tool input must be a JSON object"}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", r))
			result = Result{"error": fmt.Sprintf("Tool %s failed unexpectedly: %v", name, r)}
		}
	}()

	res, err := t.Execute(ctx, args)
	if err != nil {
		s.logger.Debug("tool returned error", zap.String("tool", name), zap.Error(err))
		return errorResult(err)
	}
	if res == nil {
		res = Result{}
	}
	return res
}

func errorResult(err error) Result {
	var te *Error
	if errors.As(err, &te) {
		r := Result{"error": te.Message}
		if te.Hint != "" {
			r["hint"] = te.Hint
		}
		return r
	}
	return Result{"error": err.Error()}
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func requiredString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fail("", "Missing required parameter: %s", key)
	}
	return v, nil
}

// intArg accepts JSON numbers and numeric strings.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func stringSliceArg(args map[string]any, key string) ([]string, bool) {
	raw, ok := args[key].([]any)
	if !ok {
		if s, isString := args[key].(string); isString && s != "" {
			return []string{s}, true
		}
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
