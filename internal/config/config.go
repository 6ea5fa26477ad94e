// Package config handles Wayfinder configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wayfinder/config.yaml, /etc/wayfinder/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wayfinder", "config.yaml"))
	}

	paths = append(paths, "/etc/wayfinder/config.yaml")
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

// SQLite driver names accepted in data.sqlite_driver.
const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

// Decision providers.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// Config holds all Wayfinder configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Decision  DecisionConfig  `yaml:"decision"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	MCP       MCPConfig       `yaml:"mcp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Data      DataConfig      `yaml:"data"`

	// DataDir holds memory snapshots, traces, and databases.
	DataDir string `yaml:"data_dir"`
	// WorkflowsDir is the base directory; definitions live under
	// <workflows_dir>/workflows/<name>.yaml.
	WorkflowsDir string `yaml:"workflows_dir"`
	// RulesetsDir holds markdown rulesets. Rulesets marked global
	// apply to every run; the rest are selected per submission.
	RulesetsDir string `yaml:"rulesets_dir"`
	// PersonaFile is an optional markdown file used as the persona
	// section of every prompt.
	PersonaFile string `yaml:"persona_file"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// RuntimeConfig holds the per-run defaults applied to every submission.
type RuntimeConfig struct {
	Agent       string `yaml:"agent"`
	MaxSteps    int    `yaml:"max_steps"`
	TokenBudget int    `yaml:"token_budget"`

	DisableTools        bool `yaml:"disable_tools"`
	DisableContextTools bool `yaml:"disable_context_tools"`
	DisableSearchTools  bool `yaml:"disable_search_tools"`
	AllowProcessTools   bool `yaml:"allow_process_tools"`

	// WorkflowAutodetect is tri-state: unset means enabled.
	WorkflowAutodetect        *bool `yaml:"workflow_autodetect"`
	DisableWorkflowAutodetect bool  `yaml:"disable_workflow_autodetect"`
	DecisionOnly              bool  `yaml:"decision_only"`

	// DecisionTimeout bounds a single decision call. Zero means no
	// deadline beyond the run's own context.
	DecisionTimeout time.Duration `yaml:"decision_timeout"`

	// RetainRuns is how many finished runs the supervisor keeps in
	// memory for GET /v1/runs/{id}.
	RetainRuns int `yaml:"retain_runs"`
}

// DecisionConfig selects the model behind the decision source.
type DecisionConfig struct {
	Provider  string `yaml:"provider"` // ollama or anthropic
	Model     string `yaml:"model"`
	OllamaURL string `yaml:"ollama_url"`

	// Pricing maps model names to per-million-token prices. Models
	// missing from the table are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// MCPConfig lists the tool engines reached over MCP.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP tool engine.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Include and Exclude filter the engine's tools by name.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	// PingInterval is how often the engine's health is checked.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// MQTTConfig configures the telemetry forwarder. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Enabled reports whether MQTT forwarding is configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// DataConfig selects the storage backend.
type DataConfig struct {
	SQLiteDriver string `yaml:"sqlite_driver"`
}

// Load reads configuration from a YAML file, layered over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Runtime: RuntimeConfig{
			Agent:       "default",
			MaxSteps:    25,
			TokenBudget: 8000,
			RetainRuns:  200,
		},
		Decision: DecisionConfig{
			Provider:  ProviderOllama,
			Model:     "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		MQTT: MQTTConfig{
			ClientID:    "wayfinder",
			TopicPrefix: "wayfinder",
		},
		Data:         DataConfig{SQLiteDriver: DriverMattn},
		DataDir:      "data",
		WorkflowsDir: ".",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Runtime.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("runtime.max_steps must not be negative"))
	}
	if c.Runtime.TokenBudget < 0 {
		errs = append(errs, fmt.Errorf("runtime.token_budget must not be negative"))
	}
	if c.Runtime.DecisionTimeout < 0 {
		errs = append(errs, fmt.Errorf("runtime.decision_timeout must not be negative"))
	}

	switch c.Decision.Provider {
	case ProviderOllama:
		if c.Decision.OllamaURL == "" {
			errs = append(errs, fmt.Errorf("decision.ollama_url is required for provider %q", ProviderOllama))
		}
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			errs = append(errs, fmt.Errorf("anthropic.api_key is required for provider %q", ProviderAnthropic))
		}
	default:
		errs = append(errs, fmt.Errorf("decision.provider %q unknown (valid: %s, %s)", c.Decision.Provider, ProviderAnthropic, ProviderOllama))
	}

	switch c.Data.SQLiteDriver {
	case DriverMattn, DriverModernc:
	default:
		errs = append(errs, fmt.Errorf("data.sqlite_driver %q unknown (valid: %s, %s)", c.Data.SQLiteDriver, DriverModernc, DriverMattn))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: json, text)", c.LogFormat))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name and url are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}

	if c.MQTT.Enabled() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
		}
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
