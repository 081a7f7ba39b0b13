package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models metacontrol.yml.
type Config struct {
	Reasoner struct {
		CycleInterval    time.Duration `yaml:"cycle_interval"`
		InferenceTimeout time.Duration `yaml:"inference_timeout"`
	} `yaml:"reasoner"`
	API struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		Auth     struct {
			JWTSecret string `yaml:"jwt_secret"`
			Require   bool   `yaml:"require"`
		} `yaml:"auth"`
	} `yaml:"api"`
	Diagnostics struct {
		NATSURL    string `yaml:"nats_url"`
		Subject    string `yaml:"subject"`
		Queue      string `yaml:"queue"`
		DedupeSize int    `yaml:"dedupe_size"`
	} `yaml:"diagnostics"`
	Reporting struct {
		NATSSubject string          `yaml:"nats_subject"`
		Webhooks    []WebhookConfig `yaml:"webhooks"`
	} `yaml:"reporting"`
	Snapshot struct {
		Path    string        `yaml:"path"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"snapshot"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// WebhookConfig is one outbound event-log subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with mcr config show > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Reasoner.CycleInterval <= 0 {
		return fmt.Errorf("config.reasoner.cycle_interval must be positive")
	}
	if c.Reasoner.InferenceTimeout <= 0 {
		return fmt.Errorf("config.reasoner.inference_timeout must be positive")
	}
	if c.Snapshot.Timeout <= 0 {
		return fmt.Errorf("config.snapshot.timeout must be positive")
	}
	if c.API.Auth.Require && strings.TrimSpace(c.API.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.api.auth.jwt_secret is required when auth is required")
	}
	if c.Diagnostics.NATSURL != "" {
		if c.Diagnostics.Subject == "" {
			return fmt.Errorf("config.diagnostics.subject is required with nats_url")
		}
		if c.Diagnostics.DedupeSize < 0 {
			return fmt.Errorf("config.diagnostics.dedupe_size must not be negative")
		}
	}
	for i, hook := range c.Reporting.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.reporting.webhooks[%d].url %q is not an absolute url", i, hook.URL)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.reporting.webhooks[%d] has an empty event type", i)
			}
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "metacontrol.yml")
}

// Template returns the default config YAML.
func Template() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

// YAML renders c.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `reasoner:
  cycle_interval: 1s
  inference_timeout: 5s

api:
  addr: 127.0.0.1:8765
  base_path: /v0
  auth:
    jwt_secret: ""
    require: false

diagnostics:
  # Leave empty to accept diagnostics over HTTP only.
  nats_url: ""
  subject: metacontrol.diagnostics
  queue: metacontrol
  dedupe_size: 4096

reporting:
  nats_subject: metacontrol.reconfigurations
  webhooks: []

snapshot:
  path: .metacontrol/error.yaml
  timeout: 5s

logging:
  level: info
  format: json
`
