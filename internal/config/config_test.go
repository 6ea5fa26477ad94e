package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${WAYFINDER_TEST_TOKEN}\n"), 0600)
	os.Setenv("WAYFINDER_TEST_TOKEN", "secret123")
	defer os.Unsetenv("WAYFINDER_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test-key")
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `runtime:
  max_steps: 7
  workflow_autodetect: false
  decision_timeout: 45s
mcp:
  servers:
    - name: search
      url: http://localhost:9000/mcp
      ping_interval: 15s
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Runtime.MaxSteps != 7 {
		t.Errorf("max_steps = %d, want 7", cfg.Runtime.MaxSteps)
	}
	if cfg.Runtime.TokenBudget != 8000 {
		t.Errorf("token_budget = %d, want default 8000", cfg.Runtime.TokenBudget)
	}
	if cfg.Runtime.WorkflowAutodetect == nil || *cfg.Runtime.WorkflowAutodetect {
		t.Errorf("workflow_autodetect = %v, want explicit false", cfg.Runtime.WorkflowAutodetect)
	}
	if cfg.Runtime.DecisionTimeout != 45*time.Second {
		t.Errorf("decision_timeout = %v, want 45s", cfg.Runtime.DecisionTimeout)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].PingInterval != 15*time.Second {
		t.Errorf("mcp.servers = %+v", cfg.MCP.Servers)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
	if Default().Runtime.WorkflowAutodetect != nil {
		t.Error("workflow_autodetect should be unset by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Listen.Port = 70000 }, "listen.port"},
		{"negative steps", func(c *Config) { c.Runtime.MaxSteps = -1 }, "max_steps"},
		{"unknown provider", func(c *Config) { c.Decision.Provider = "openai" }, "decision.provider"},
		{"anthropic without key", func(c *Config) { c.Decision.Provider = ProviderAnthropic }, "api_key"},
		{"bad driver", func(c *Config) { c.Data.SQLiteDriver = "postgres" }, "sqlite_driver"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"bad broker", func(c *Config) { c.MQTT.Broker = "not a url" }, "mqtt.broker"},
		{"duplicate mcp", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "a", URL: "http://x"}, {Name: "a", URL: "http://y"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/data"); got != filepath.Join(home, "data") {
		t.Errorf("ExpandHome(~/data) = %q", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome(/abs) = %q", got)
	}
}
