package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models orchard.yml.
type Config struct {
	Site struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"site"`
	Features []string                  `yaml:"features"`
	Parts    map[string]PartDefinition `yaml:"parts"`
	Types    map[string]TypeDefinition `yaml:"types"`
	Webhooks []WebhookConfig           `yaml:"webhooks,omitempty"`
}

type PartDefinition struct {
	Description string            `yaml:"description"`
	Settings    map[string]string `yaml:"settings,omitempty"`
}

type TypeDefinition struct {
	DisplayName string   `yaml:"display_name"`
	Description string   `yaml:"description,omitempty"`
	Parts       []string `yaml:"parts"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with orchard site config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if len(c.Features) == 0 {
		return fmt.Errorf("config.features is required")
	}
	for name, t := range c.Types {
		if name == "" {
			return fmt.Errorf("config.types contains empty type name")
		}
		for _, p := range t.Parts {
			if p == "" {
				return fmt.Errorf("type %s references empty part name", name)
			}
			if len(c.Parts) > 0 {
				if _, ok := c.Parts[p]; !ok {
					return fmt.Errorf("type %s references unknown part %s", name, p)
				}
			}
		}
	}
	for name := range c.Parts {
		if name == "" {
			return fmt.Errorf("config.parts contains empty part name")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orchard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
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

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	cfg.Site.ID = siteID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, siteID))).Decode(&cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// PartNames returns the configured part names in stable lexical order.
func (c *Config) PartNames() []string {
	names := make([]string, 0, len(c.Parts))
	for name := range c.Parts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeNames returns the configured type names in stable lexical order.
func (c *Config) TypeNames() []string {
	names := make([]string, 0, len(c.Types))
	for name := range c.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const defaultTemplate = `site:
  id: %s
  name: Orchard Site

features:
  - orchard.core
  - orchard.settings
  - orchard.importexport

parts:
  TitlePart:
    description: "A single display title"
  BodyPart:
    description: "Main body text"
    settings:
      format: markdown
  TagsPart:
    description: "Free-form tag list"

types:
  Page:
    display_name: Page
    description: "A static page"
    parts: [TitlePart, BodyPart]
  Post:
    display_name: Post
    description: "A dated blog post"
    parts: [TitlePart, BodyPart, TagsPart]
`
