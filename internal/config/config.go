package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"foreman/internal/events"
)

// Config models foreman.yml.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
	Workers   WorkersConfig            `yaml:"workers"`
	Stream    StreamConfig             `yaml:"stream"`
	Invoker   InvokerConfig            `yaml:"invoker"`
	Projects  map[string]ProjectConfig `yaml:"projects"`
	Webhooks  []WebhookConfig          `yaml:"webhooks"`
	Log       LogConfig                `yaml:"log"`
}

type ServerConfig struct {
	Addr       string   `yaml:"addr"`
	BasePath   string   `yaml:"base_path"`
	JWTSecret  string   `yaml:"jwt_secret"`
	JWTIssuer  string   `yaml:"jwt_issuer"`
	Superusers []string `yaml:"superusers"`
	// ActorHeader enables the unauthenticated X-Actor-Id header for local use.
	ActorHeader bool `yaml:"actor_header"`
	// DevLogin exposes POST /auth/dev/login, which mints tokens for any actor.
	DevLogin bool `yaml:"dev_login"`
}

type SchedulerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
	// DispatchOnApproval runs a task as soon as its plan is approved instead
	// of waiting for the next poll.
	DispatchOnApproval bool `yaml:"dispatch_on_approval"`
}

type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

type StreamConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

type InvokerConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// ProjectConfig carries per-project context for agent prompts.
type ProjectConfig struct {
	Docs     string `yaml:"docs"`
	DocsFile string `yaml:"docs_file"`
	RepoPath string `yaml:"repo_path"`
}

type WebhookConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration reads YAML strings such as "30s" or "2m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("config.scheduler.interval must not be negative")
	}
	if c.Scheduler.BatchSize < 0 {
		return fmt.Errorf("config.scheduler.batch_size must not be negative")
	}
	if c.Workers.Count < 0 || c.Workers.QueueSize < 0 {
		return fmt.Errorf("config.workers values must not be negative")
	}
	if c.Stream.QueueCapacity < 0 {
		return fmt.Errorf("config.stream.queue_capacity must not be negative")
	}
	if c.Invoker.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Invoker.BaseURL); err != nil {
			return fmt.Errorf("config.invoker.base_url: %w", err)
		}
	}
	for id := range c.Projects {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.projects contains empty project id")
		}
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if _, err := url.ParseRequestURI(h.URL); err != nil {
			return fmt.Errorf("config.webhooks[%d].url: %w", i, err)
		}
		for _, kind := range h.Events {
			if kind == "*" {
				continue
			}
			if !events.Kind(kind).Valid() {
				return fmt.Errorf("config.webhooks[%d] has unknown event %s", i, kind)
			}
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", s)
}

// Docs returns the documentation configured for each project. DocsFile paths
// are read relative to workspace.
func (c *Config) Docs(workspace string) (map[string]string, error) {
	out := map[string]string{}
	for id, p := range c.Projects {
		text := p.Docs
		if p.DocsFile != "" {
			path := p.DocsFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(workspace, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("project %s docs: %w", id, err)
			}
			text = strings.TrimSpace(text + "\n" + string(data))
		}
		if text != "" {
			out[id] = text
		}
	}
	return out, nil
}

// Repos maps project ids to local checkouts.
func (c *Config) Repos(workspace string) map[string]string {
	out := map[string]string{}
	for id, p := range c.Projects {
		if p.RepoPath == "" {
			continue
		}
		path := p.RepoPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		out[id] = path
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "foreman.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with foreman init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Default returns the config produced by the default template.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Projects = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_issuer: foreman
  actor_header: true
  dev_login: false
  superusers: []

scheduler:
  enabled: true
  interval: 30s
  batch_size: 10
  dispatch_on_approval: false

workers:
  count: 4
  queue_size: 64

stream:
  queue_capacity: 200

invoker:
  base_url: ""
  model: ""
  timeout: 120s

projects: {}

webhooks: []

log:
  level: info
  format: text
`
