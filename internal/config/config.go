package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"windsite/internal/domain"
)

// Config models windsite.yml.
type Config struct {
	Tools  map[string]ToolConfig `yaml:"tools"`
	Intent struct {
		MinConfidence float64 `yaml:"min_confidence"`
	} `yaml:"intent"`
	Retry struct {
		Attempts int `yaml:"attempts"`
	} `yaml:"retry"`
	Request struct {
		TimeoutSeconds  int `yaml:"timeout_seconds"`
		ConflictRetries int `yaml:"conflict_retries"`
	} `yaml:"request"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type ToolConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Timeout returns the tool call timeout as a duration.
func (t ToolConfig) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Tool returns the config for a stage's compute tool.
func (c *Config) Tool(s domain.Stage) ToolConfig {
	return c.Tools[s.ToolName()]
}

// RequestTimeout is the default end-to-end deadline for one request.
func (c *Config) RequestTimeout() time.Duration {
	if c.Request.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Request.TimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Tools) == 0 {
		return fmt.Errorf("config.tools is required")
	}
	for _, s := range domain.Stages() {
		tc, ok := c.Tools[s.ToolName()]
		if !ok {
			return fmt.Errorf("config.tools.%s is required", s.ToolName())
		}
		if tc.TimeoutSeconds < 0 {
			return fmt.Errorf("config.tools.%s timeout_seconds must not be negative", s.ToolName())
		}
	}
	for name := range c.Tools {
		if _, ok := toolStage(name); !ok {
			return fmt.Errorf("config.tools contains unknown tool %s", name)
		}
	}
	if c.Intent.MinConfidence < 0 || c.Intent.MinConfidence > 1 {
		return fmt.Errorf("config.intent.min_confidence must be within [0,1]")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("config.retry.attempts must be at least 1")
	}
	if c.Request.ConflictRetries < 1 {
		return fmt.Errorf("config.request.conflict_retries must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func toolStage(name string) (domain.Stage, bool) {
	for _, s := range domain.Stages() {
		if s.ToolName() == name {
			return s, true
		}
	}
	return "", false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "windsite.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ws config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `tools:
  terrain_analysis:
    url: http://localhost:8101/invoke
    timeout_seconds: 120
  layout_optimization:
    url: http://localhost:8102/invoke
    timeout_seconds: 120
  wake_simulation:
    url: http://localhost:8103/invoke
    timeout_seconds: 120
  report_generation:
    url: http://localhost:8104/invoke
    timeout_seconds: 15

intent:
  min_confidence: 0.3

retry:
  attempts: 2

request:
  timeout_seconds: 300
  conflict_retries: 3
`
