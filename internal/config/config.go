// Package config handles Sage configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sage/config.yaml, /etc/sage/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sage", "config.yaml"))
	}

	paths = append(paths, "/etc/sage/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Sage configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Store     StoreConfig     `yaml:"store"`
	Agent     AgentConfig     `yaml:"agent"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI API settings. BaseURL is optional and
// lets any OpenAI-compatible endpoint stand in.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// StoreConfig locates the plant database.
type StoreConfig struct {
	// Path is the SQLite database file. Relative paths resolve against
	// DataDir.
	Path string `yaml:"path"`
	// Driver selects the database/sql driver: "sqlite3" (mattn, CGO)
	// or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	// UsagePath is the token usage ledger, kept apart from the plant
	// data. Relative paths resolve against DataDir.
	UsagePath string `yaml:"usage_path"`
}

// AgentConfig tunes the two model-call phases of a turn. Each phase
// gets its own timeout and retry budget so a slow tool-selection call
// does not eat into the time allowed for the final reply.
type AgentConfig struct {
	Request  PhaseConfig `yaml:"request"`
	Finalize PhaseConfig `yaml:"finalize"`
	// SessionIdleMin drops conversations idle this long. 0 keeps them
	// for the life of the process.
	SessionIdleMin int `yaml:"session_idle_min"`
}

// SessionIdle returns the conversation idle limit as a duration.
func (a AgentConfig) SessionIdle() time.Duration {
	return time.Duration(a.SessionIdleMin) * time.Minute
}

// PhaseConfig is the timeout and retry policy for one model call.
type PhaseConfig struct {
	TimeoutSec int `yaml:"timeout_sec"` // 0 = no timeout
	Retries    int `yaml:"retries"`     // additional attempts after the first
	BackoffMs  int `yaml:"backoff_ms"`  // delay between attempts
}

// Timeout returns the phase timeout as a duration.
func (p PhaseConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

// Backoff returns the retry delay as a duration.
func (p PhaseConfig) Backoff() time.Duration {
	return time.Duration(p.BackoffMs) * time.Millisecond
}

// MQTTConfig defines the optional Home Assistant MQTT publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// LoadDotEnv loads variables from a .env file next to the config (or
// in the working directory) so ${VAR} references resolve. Variables
// already present in the environment win. A missing file is not an
// error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills in defaults for unset fields and rejects settings
// that cannot work.
func (c *Config) Validate() error {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5001
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Store.Path == "" {
		c.Store.Path = "plants.db"
	}
	if !filepath.IsAbs(c.Store.Path) && c.Store.Path != ":memory:" {
		c.Store.Path = filepath.Join(c.DataDir, c.Store.Path)
	}
	if c.Store.UsagePath == "" {
		c.Store.UsagePath = "usage.db"
	}
	if !filepath.IsAbs(c.Store.UsagePath) && c.Store.UsagePath != ":memory:" {
		c.Store.UsagePath = filepath.Join(c.DataDir, c.Store.UsagePath)
	}
	switch c.Store.Driver {
	case "":
		c.Store.Driver = "sqlite3"
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("store.driver %q: want sqlite3 or sqlite", c.Store.Driver)
	}

	if c.Models.Default == "" {
		return errors.New("models.default is required")
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				return fmt.Errorf("model %q uses anthropic but anthropic.api_key is empty", m.Name)
			}
		case "openai":
			if c.OpenAI.APIKey == "" {
				return fmt.Errorf("model %q uses openai but openai.api_key is empty", m.Name)
			}
		default:
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.DeviceName == "" {
			c.MQTT.DeviceName = "sage"
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
		if c.MQTT.PublishIntervalSec <= 0 {
			c.MQTT.PublishIntervalSec = 60
		}
	}

	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 5001},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
		Store: StoreConfig{Path: "plants.db", Driver: "sqlite3", UsagePath: "usage.db"},
		Agent: AgentConfig{
			Request:        PhaseConfig{TimeoutSec: 120},
			Finalize:       PhaseConfig{TimeoutSec: 120},
			SessionIdleMin: 720,
		},
	}
}
