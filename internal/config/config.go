// Package config loads the navexport YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/navexport/foreign"
)

// Config is the top-level navexport configuration.
type Config struct {
	Listen string `yaml:"listen"`

	// EntryURL is the Navigator app's entry document.
	EntryURL string `yaml:"entry_url"`

	// LayersBase resolves layer ids to locators (<base>/<id>,
	// <base>/aggregate?id=...). Optional.
	LayersBase string `yaml:"layers_base"`

	DBPath      string `yaml:"db_path"`
	ArtifactDir string `yaml:"artifact_dir"`

	Export  ExportConfig  `yaml:"export"`
	Frame   FrameConfig   `yaml:"frame"`
	Browser BrowserConfig `yaml:"browser"`

	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ExportConfig bounds batch runs.
type ExportConfig struct {
	Concurrency int           `yaml:"concurrency"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
}

// FrameConfig is applied to every frame.
type FrameConfig struct {
	// Sandbox is the iframe token list, e.g. "allow-scripts
	// allow-same-origin allow-downloads". Unset means foreign.DefaultSandbox;
	// an empty string grants nothing.
	Sandbox   *string `yaml:"sandbox"`
	MaxBody   int64   `yaml:"max_body"`
	UserAgent string  `yaml:"user_agent"`
}

// BrowserConfig controls the Chrome used to print PDF pages.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Bin              string        `yaml:"bin"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.DBPath == "" {
		c.DBPath = "navexport.db"
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = "artifacts"
	}
	if c.Export.Concurrency <= 0 {
		c.Export.Concurrency = 4
	}
	if c.Export.ItemTimeout <= 0 {
		c.Export.ItemTimeout = 60 * time.Second
	}
	if c.Frame.Sandbox == nil {
		sb := foreign.DefaultSandbox.String()
		c.Frame.Sandbox = &sb
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.ResourceBlocking == nil {
		c.Browser.ResourceBlocking = []string{"images", "fonts", "media"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the fields the commands cannot run without.
func (c *Config) Validate() error {
	if c.EntryURL == "" {
		return errors.New("config: entry_url is required")
	}
	if err := httpURL(c.EntryURL); err != nil {
		return fmt.Errorf("config: entry_url: %w", err)
	}
	if c.LayersBase != "" {
		if err := httpURL(c.LayersBase); err != nil {
			return fmt.Errorf("config: layers_base: %w", err)
		}
	}
	if _, err := c.Sandbox(); err != nil {
		return fmt.Errorf("config: frame.sandbox: %w", err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unsupported log_level %q", c.LogLevel)
	}
	return nil
}

// Sandbox parses the frame sandbox token list.
func (c *Config) Sandbox() (foreign.Sandbox, error) {
	if c.Frame.Sandbox == nil {
		return foreign.DefaultSandbox, nil
	}
	return foreign.ParseSandbox(*c.Frame.Sandbox)
}

func httpURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http(s)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
