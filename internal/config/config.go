// Package config handles calexplorer configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Deploy modes. Anything other than DeployProduction is a non-production
// deployment; only those may ever enable the development credential
// override.
const (
	DeployProduction  = "production"
	DeployDevelopment = "development"
	DeployTest        = "test"
)

// Agent modes control whether the orchestrator may run mutating tools
// itself or must emit a proposal for explicit approval.
const (
	ModeApprovalRequired = "approval-required"
	ModeAutoExecute      = "auto-execute"
)

// DefaultTimeZone is applied to proposals that do not name a zone.
const DefaultTimeZone = "America/New_York"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/calexplorer/config.yaml, /etc/calexplorer/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "calexplorer", "config.yaml"))
	}

	paths = append(paths, "/etc/calexplorer/config.yaml")
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

// Config holds all calexplorer configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Auth      AuthConfig      `yaml:"auth"`
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Search    SearchConfig    `yaml:"search"`
	OMDb      OMDbConfig      `yaml:"omdb"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// ChatRatePerSec and ChatBurst bound the chat endpoint. Zero disables
	// the limiter.
	ChatRatePerSec float64 `yaml:"chat_rate_per_sec"`
	ChatBurst      int     `yaml:"chat_burst"`
}

// DeployConfig describes where the process runs.
type DeployConfig struct {
	// Mode is "production", "development" or "test". Empty is treated as
	// production so a forgotten setting fails closed.
	Mode string `yaml:"mode"`
}

// Production reports whether the deployment is production. Unknown and
// empty modes count as production.
func (d DeployConfig) Production() bool {
	return d.Mode != DeployDevelopment && d.Mode != DeployTest
}

// AuthConfig configures how request identities are resolved.
type AuthConfig struct {
	// SessionSecret keys the signed session cookie.
	SessionSecret string `yaml:"session_secret"`
	// CookieNames lists session cookie names in the order they are tried.
	CookieNames []string `yaml:"cookie_names"`
	// SessionURL is the base URL of the session introspection endpoint.
	SessionURL string `yaml:"session_url"`
	// DevAccessToken is a process-level override credential. Ignored
	// unless the binary was built with the devoverride tag and the deploy
	// mode is not production.
	DevAccessToken string `yaml:"dev_access_token"`
}

// AgentConfig configures the conversation orchestrator.
type AgentConfig struct {
	Mode     string `yaml:"mode"`
	MaxSteps int    `yaml:"max_steps"`
	// RetryOnError lets a failed approval be submitted again.
	RetryOnError *bool `yaml:"retry_on_error"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is set.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is set.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// SearchConfig selects and configures web search backends.
type SearchConfig struct {
	Default string        `yaml:"default"` // tavily, brave, searxng
	Tavily  TavilyConfig  `yaml:"tavily"`
	Brave   BraveConfig   `yaml:"brave"`
	SearXNG SearXNGConfig `yaml:"searxng"`
}

// TavilyConfig holds Tavily credentials.
type TavilyConfig struct {
	APIKey string `yaml:"api_key"`
}

// BraveConfig holds Brave Search credentials.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig points at a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// OMDbConfig holds OMDb credentials.
type OMDbConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// CalendarConfig selects the calendar backend that the mutating tool
// writes to.
type CalendarConfig struct {
	Provider   string        `yaml:"provider"` // google, caldav
	CalendarID string        `yaml:"calendar_id"`
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
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
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080, ChatRatePerSec: 2, ChatBurst: 5},
		Deploy: DeployConfig{Mode: DeployProduction},
		Auth: AuthConfig{
			CookieNames: []string{"__Secure-next-auth.session-token", "next-auth.session-token"},
			SessionURL:  "http://localhost:3000",
		},
		Agent: AgentConfig{Mode: ModeApprovalRequired, MaxSteps: 5},
		Models: ModelsConfig{
			Default: "gpt-4o",
			Available: []ModelConfig{
				{Name: "gpt-4o", Provider: "openai"},
			},
		},
		Search:   SearchConfig{Default: "tavily"},
		OMDb:     OMDbConfig{BaseURL: "https://www.omdbapi.com/"},
		Calendar: CalendarConfig{Provider: "google", CalendarID: "primary", Timeout: 15 * time.Second},
		DataDir:  "./data",
	}
}

func (c *Config) applyDefaults() {
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 5
	}
	if c.Agent.Mode == "" {
		c.Agent.Mode = ModeApprovalRequired
	}
	if c.Calendar.CalendarID == "" {
		c.Calendar.CalendarID = "primary"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "openai"
		}
	}
}

// RetryOnError returns the approval retry policy (default true).
func (c *Config) RetryOnError() bool {
	if c.Agent.RetryOnError == nil {
		return true
	}
	return *c.Agent.RetryOnError
}

// Validate checks values that cannot be corrected by defaulting.
func (c *Config) Validate() error {
	switch c.Deploy.Mode {
	case "", DeployProduction, DeployDevelopment, DeployTest:
	default:
		return fmt.Errorf("deploy.mode %q invalid (valid: production, development, test)", c.Deploy.Mode)
	}
	switch c.Agent.Mode {
	case ModeApprovalRequired, ModeAutoExecute:
	default:
		return fmt.Errorf("agent.mode %q invalid (valid: %s, %s)", c.Agent.Mode, ModeApprovalRequired, ModeAutoExecute)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}
	switch c.Calendar.Provider {
	case "google", "caldav":
	default:
		return fmt.Errorf("calendar.provider %q invalid (valid: google, caldav)", c.Calendar.Provider)
	}
	if c.Calendar.Provider == "caldav" && c.Calendar.Endpoint == "" {
		return fmt.Errorf("calendar.endpoint is required for the caldav provider")
	}
	return nil
}
