// Package config holds councild's static configuration file plus the
// mutable runtime settings store.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when councild.yml is absent or leaves fields unset.
const (
	DefaultListenAddr = "localhost:8001"
	DefaultDataDir    = "data"
	DefaultProvider   = "openrouter"
)

// DefaultCouncilModels is the out-of-the-box council composition.
var DefaultCouncilModels = []string{
	"openai/gpt-5.1",
	"google/gemini-3-pro-preview",
	"anthropic/claude-sonnet-4.5",
	"x-ai/grok-4",
}

// DefaultChairmanModel synthesizes the final response.
const DefaultChairmanModel = "google/gemini-3-pro-preview"

// Config holds process-level settings loaded from councild.yml. Runtime
// model selection lives in the Settings store instead, so it can be
// changed through the API without a restart.
type Config struct {
	ListenAddr string `yaml:"listenAddr,omitempty"`
	DataDir    string `yaml:"dataDir,omitempty"`

	OpenRouter struct {
		APIKey  string `yaml:"apiKey,omitempty"`
		BaseURL string `yaml:"baseURL,omitempty"`
	} `yaml:"openrouter,omitempty"`

	Ollama struct {
		BaseURL string `yaml:"baseURL,omitempty"`
	} `yaml:"ollama,omitempty"`
}

// Load attempts to read councild.yml or councild.yaml from the given
// directory. Returns a default config (not an error) if no config file
// exists. The OPENROUTER_API_KEY environment variable overrides the file.
func Load(dir string) (*Config, error) {
	cfg := &Config{}
	for _, name := range []string{"councild.yml", "councild.yaml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		break
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.OpenRouter.APIKey = key
	}
	return cfg, nil
}

// DatabasePath is where the conversation store lives under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "conversations.db")
}

// SettingsPath is where mutable runtime settings persist.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "config.json")
}
