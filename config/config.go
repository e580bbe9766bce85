package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/m4xw311/codexbridge/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel          = "claude-sonnet-4-20250514"
	DefaultMaxTokens      = 16384
	DefaultMaxIterations  = 25
	DefaultRequestTimeout = 300 * time.Second
	DefaultShellTimeout   = 30 * time.Second
	DefaultMaxOutputBytes = 100000
	DefaultInitTimeout    = 15 * time.Second
	DefaultBridgeAddr     = "127.0.0.1:8080"

	// dirName is the per-user and per-project configuration directory.
	dirName = ".codexbridge"
)

// DefaultDeniedCommands are substrings that make the shell tool refuse a
// command line. They catch accidents, not adversaries.
var DefaultDeniedCommands = []string{"rm -rf /", "mkfs", "dd if=/dev/zero", "> /dev/sda"}

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type Sandbox struct {
	ShellTimeout     time.Duration    `yaml:"shell_timeout"`
	MaxOutputBytes   int              `yaml:"max_output_bytes"`
	DeniedCommands   []string         `yaml:"denied_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Model is one entry of the model catalog returned by model/list.
type Model struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"displayName"`
	Description string `yaml:"description" json:"description"`
	IsDefault   bool   `yaml:"is_default" json:"isDefault"`
}

type Bridge struct {
	Addr           string        `yaml:"addr"`
	Executable     string        `yaml:"executable"`
	Args           []string      `yaml:"args"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type Config struct {
	LLMClient      string        `yaml:"llm"`
	Model          string        `yaml:"model"`
	MaxTokens      int64         `yaml:"max_tokens"`
	MaxIterations  int           `yaml:"max_iterations"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Models         []Model       `yaml:"models"`
	Sandbox        Sandbox       `yaml:"sandbox"`
	MCPServers     []MCPServer   `yaml:"mcp_servers"`
	Bridge         Bridge        `yaml:"bridge"`
	Logging        Logging       `yaml:"logging"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// Load loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func Load() (*Config, error) {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, dirName, "config.yaml"))
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	paths = append(paths, filepath.Join(wd, dirName, "config.yaml"))
	return LoadFiles(paths...)
}

// LoadFiles merges the given YAML files in order, skipping the ones that do
// not exist, then applies defaults and environment overrides.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := &Config{}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no files read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in a later file replace the earlier value wholesale.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.LLMClient == "" {
		c.LLMClient = "anthropic"
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if len(c.Models) == 0 {
		c.Models = defaultModels()
	}
	if c.Sandbox.ShellTimeout == 0 {
		c.Sandbox.ShellTimeout = DefaultShellTimeout
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.Sandbox.DeniedCommands == nil {
		c.Sandbox.DeniedCommands = append([]string(nil), DefaultDeniedCommands...)
	}
	c.Sandbox.FilesystemAccess.Hidden = appendMissing(c.Sandbox.FilesystemAccess.Hidden, dirName, dirName+"/**")
	if c.Bridge.Addr == "" {
		c.Bridge.Addr = DefaultBridgeAddr
	}
	if c.Bridge.InitTimeout == 0 {
		c.Bridge.InitTimeout = DefaultInitTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("CLAUDE_MAX_TOKENS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid CLAUDE_MAX_TOKENS %q", v)
		}
		c.MaxTokens = n
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a turn.
func (c *Config) Validate() error {
	switch c.LLMClient {
	case "anthropic", "bedrock", "openai", "gemini", "mock":
	default:
		return errors.New("unsupported llm %q", c.LLMClient)
	}
	if c.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.MaxIterations <= 0 {
		return errors.New("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		return errors.New("sandbox.max_output_bytes must be positive")
	}
	for _, s := range c.MCPServers {
		if s.Name == "" || s.Command == "" {
			return errors.New("mcp server entries need a name and a command")
		}
	}
	return nil
}

// DefaultModelID returns the catalog entry flagged as default, falling back
// to the configured model.
func (c *Config) DefaultModelID() string {
	for _, m := range c.Models {
		if m.IsDefault {
			return m.ID
		}
	}
	return c.Model
}

func defaultModels() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", Description: "Most capable model for complex coding work", IsDefault: true},
		{ID: "claude-3-7-sonnet-20250219", DisplayName: "Claude 3.7 Sonnet", Description: "Fast and capable with extended thinking"},
		{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Description: "Fast and capable for most coding tasks"},
		{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Description: "Fastest model, good for simple tasks"},
		{ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", Description: "Previous generation flagship model"},
	}
}

func appendMissing(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
