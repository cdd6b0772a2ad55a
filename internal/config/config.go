package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"nlrstudio/internal/ingest"
)

const FileName = "nlrstudio.yml"

// Config models nlrstudio.yml.
type Config struct {
	Services struct {
		ValidationURL  string `yaml:"validation_url"`
		BackendURL     string `yaml:"backend_url"`
		MappingURL     string `yaml:"mapping_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"services"`
	Defaults struct {
		Customer     string   `yaml:"customer"`
		Instance     string   `yaml:"instance"`
		Component    string   `yaml:"component"`
		Attribute    string   `yaml:"attribute"`
		InitialRules []string `yaml:"initial_rules"`
	} `yaml:"defaults"`
	Ingest struct {
		PlaceholderPatterns []string `yaml:"placeholder_patterns"`
	} `yaml:"ingest"`
	Mapping struct {
		ChipIncrement       int      `yaml:"chip_increment"`
		Attributes          []string `yaml:"attributes"`
		ReferenceAttributes []string `yaml:"reference_attributes"`
	} `yaml:"mapping"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats a missing enabled flag as true.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Timeout returns the HTTP timeout for calls to the external services.
func (c *Config) Timeout() time.Duration {
	if c.Services.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Services.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with nlr config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"services.validation_url": c.Services.ValidationURL,
		"services.backend_url":    c.Services.BackendURL,
		"services.mapping_url":    c.Services.MappingURL,
	} {
		if raw == "" {
			return fmt.Errorf("config.%s is required", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.%s must be an absolute URL", name)
		}
	}
	if c.Services.TimeoutSeconds < 0 {
		return fmt.Errorf("config.services.timeout_seconds must not be negative")
	}
	if c.Defaults.Customer == "" || c.Defaults.Instance == "" {
		return fmt.Errorf("config.defaults.customer and config.defaults.instance are required")
	}
	if _, err := ingest.CompilePlaceholders(c.Ingest.PlaceholderPatterns); err != nil {
		return fmt.Errorf("config.ingest: %w", err)
	}
	if c.Mapping.ChipIncrement < 0 {
		return fmt.Errorf("config.mapping.chip_increment must not be negative")
	}
	for _, a := range c.Mapping.Attributes {
		if a == "" {
			return fmt.Errorf("config.mapping.attributes contains an empty attribute")
		}
	}
	seen := map[string]bool{}
	for i, h := range c.Webhooks {
		if h.ID == "" {
			return fmt.Errorf("webhooks[%d].id is required", i)
		}
		if seen[h.ID] {
			return fmt.Errorf("webhook %s defined twice", h.ID)
		}
		seen[h.ID] = true
		if u, err := url.Parse(h.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook %s url must be an absolute URL", h.ID)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s timeout_seconds must not be negative", h.ID)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
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

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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

// YAML renders cfg back to YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `services:
  validation_url: http://localhost:9000
  backend_url: http://localhost:8000
  mapping_url: http://localhost:8000
  timeout_seconds: 120

defaults:
  customer: DefaultCustomer
  instance: DefaultInstance
  component: ""
  attribute: ""
  initial_rules: [""]

ingest:
  placeholder_patterns:
    - '(?i)^unnamed:\s*\d+$'

mapping:
  chip_increment: 10
  attributes: []
  reference_attributes: []

webhooks: []
`
