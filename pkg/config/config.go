package config

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/webpilot/webpilot/internal/browser"
	"github.com/webpilot/webpilot/internal/verify"
)

type Config struct {
	App       AppConfig                 `json:"app"`
	Providers map[string]ProviderConfig `json:"providers"`
	Browser   BrowserConfig             `json:"browser"`
	Queue     QueueConfig               `json:"queue"`
	Engine    EngineConfig              `json:"engine"`
	Verifier  verify.Rubric             `json:"verifier"`
	Knowledge KnowledgeConfig           `json:"knowledge"`
	Auth      browser.Credentials       `json:"auth"`
	Policy    PolicyConfig              `json:"policy"`
	Tasks     []TaskSpec                `json:"tasks,omitempty"`
}

// TaskSpec is one task to submit at startup.
type TaskSpec struct {
	Task    string `json:"task"`
	AppName string `json:"app_name"`
	AppURL  string `json:"app_url"`
}

type AppConfig struct {
	Name      string `json:"name"`
	Workspace string `json:"workspace"`
	PromptDir string `json:"prompt_dir,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
	Enabled bool   `json:"enabled"`
}

type BrowserConfig struct {
	Headless             bool   `json:"headless"`
	ScreenshotDir        string `json:"screenshot_dir,omitempty"`
	ActionTimeoutSeconds int    `json:"action_timeout_seconds,omitempty"`
	MaxElements          int    `json:"max_elements,omitempty"`
}

type QueueConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

// EngineConfig exposes the run bounds. Zero values fall back to the
// engine's defaults.
type EngineConfig struct {
	MaxAdaptiveCycles        int `json:"max_adaptive_cycles,omitempty"`
	MaxConsecutiveErrors     int `json:"max_consecutive_errors,omitempty"`
	MaxStuckEscalations      int `json:"max_stuck_escalations,omitempty"`
	InactivityTimeoutSeconds int `json:"inactivity_timeout_seconds,omitempty"`
	NavigateAttempts         int `json:"navigate_attempts,omitempty"`
}

type KnowledgeConfig struct {
	Path       string `json:"path"`
	SeedQuirks string `json:"seed_quirks,omitempty"`
	Enabled    bool   `json:"enabled"`
}

type PolicyConfig struct {
	DeniedKinds []string `json:"denied_kinds,omitempty"`
	DeniedURLs  []string `json:"denied_urls,omitempty"`
	DeniedText  []string `json:"denied_text,omitempty"`
}

func LoadConfig(path string) *Config {
	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config file: %v", err)
	}

	return &cfg
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// BrowserOptions merges the configured browser settings over the defaults.
func (c *Config) BrowserOptions() browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = c.Browser.Headless
	if c.Browser.ScreenshotDir != "" {
		opts.ScreenshotDir = c.Browser.ScreenshotDir
	}
	if c.Browser.ActionTimeoutSeconds > 0 {
		opts.ActionTimeout = time.Duration(c.Browser.ActionTimeoutSeconds) * time.Second
	}
	if c.Browser.MaxElements > 0 {
		opts.MaxElements = c.Browser.MaxElements
	}
	return opts
}
