package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3"
	_ "modernc.org/sqlite"          // pure-Go SQLite driver "sqlite"

	"github.com/nugget/wayfinder/internal/agent"
	"github.com/nugget/wayfinder/internal/config"
	"github.com/nugget/wayfinder/internal/connwatch"
	"github.com/nugget/wayfinder/internal/decide"
	"github.com/nugget/wayfinder/internal/events"
	"github.com/nugget/wayfinder/internal/llm"
	"github.com/nugget/wayfinder/internal/mcp"
	"github.com/nugget/wayfinder/internal/rulesets"
	"github.com/nugget/wayfinder/internal/runs"
	"github.com/nugget/wayfinder/internal/tools"
	"github.com/nugget/wayfinder/internal/transcript"
	"github.com/nugget/wayfinder/internal/usage"
	"github.com/nugget/wayfinder/internal/workflow"
)

// engineSetupTimeout bounds the first connection attempt to each engine.
const engineSetupTimeout = 30 * time.Second

// core holds the collaborators shared by the serve and run commands.
type core struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	transcripts *transcript.Store
	usage       *usage.Store

	bus       *events.Bus
	recorder  *events.Recorder
	health    *connwatch.Manager
	registry  *tools.Registry
	workflows *workflow.Store
	source    *decide.LLMSource
	engines   []*mcp.Client
}

// newCore opens storage, builds the decision source, registers the
// workflow tool, and connects the configured tool engines. Engines that
// are down at startup are retried in the background.
func newCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := openDB(cfg.Data.SQLiteDriver, filepath.Join(cfg.DataDir, "wayfinder.db"))
	if err != nil {
		return nil, err
	}
	c := &core{cfg: cfg, logger: logger, db: db}

	if c.transcripts, err = transcript.NewStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	if c.usage, err = usage.NewStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	c.bus = events.New()
	c.recorder = events.NewRecorder(c.bus, filepath.Join(cfg.DataDir, "traces"), logger)
	c.health = connwatch.NewManager(logger)
	c.registry = tools.NewRegistry(logger)
	c.registry.SetHealth(c.health)

	client := c.newLLMClient(ctx)
	c.source = decide.NewLLMSource(client, cfg.Decision.Provider, cfg.Decision.Model,
		decide.WithTimeout(cfg.Runtime.DecisionTimeout),
		decide.WithUsage(c.usage, cfg.Decision.Pricing),
		decide.WithLogger(logger),
	)

	c.workflows = workflow.NewStore(cfg.WorkflowsDir)
	runner := workflow.NewRunner(c.workflows, c.registry, logger)
	c.registry.Register(&tools.Tool{
		Spec: tools.Spec{
			Name:        workflow.WorkflowToolName,
			Description: "Run a named workflow definition step by step",
			Schema:      workflow.ToolSchema(),
		},
		Handler: runner.Handle,
	})

	for _, sc := range cfg.MCP.Servers {
		c.connectEngine(ctx, sc)
	}
	return c, nil
}

// newLLMClient routes the configured model to its provider and watches
// the provider's health.
func (c *core) newLLMClient(ctx context.Context) llm.Client {
	ollama := llm.NewOllamaClient(c.cfg.Decision.OllamaURL, c.logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider(config.ProviderOllama, ollama)

	if c.cfg.Anthropic.APIKey != "" {
		multi.AddProvider(config.ProviderAnthropic, llm.NewAnthropicClient(c.cfg.Anthropic.APIKey, c.logger))
	}
	multi.AddModel(c.cfg.Decision.Model, c.cfg.Decision.Provider)

	if provider := multi.Provider(c.cfg.Decision.Provider); provider != nil {
		c.health.Watch(ctx, connwatch.WatcherConfig{
			Name:    "decision-" + c.cfg.Decision.Provider,
			Probe:   provider.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}

	c.logger.Info("decision source initialized",
		"provider", c.cfg.Decision.Provider,
		"model", c.cfg.Decision.Model,
	)
	return multi
}

// connectEngine bridges one MCP engine's tools into the registry and
// keeps watching it. The watcher re-bridges whenever the engine comes
// back so tools added while it was down are picked up.
func (c *core) connectEngine(ctx context.Context, sc config.MCPServerConfig) {
	logger := c.logger.With("engine", sc.Name)
	transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
		URL:     sc.URL,
		Headers: sc.Headers,
		Logger:  logger,
	})
	client := mcp.NewClient(sc.Name, transport, logger)
	c.engines = append(c.engines, client)
	filter := mcp.Filter{Include: sc.Include, Exclude: sc.Exclude}

	bridge := func(ctx context.Context) error {
		if !client.Initialized() {
			if err := client.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
		}
		client.Refresh()
		n, err := mcp.BridgeTools(ctx, client, c.registry, filter, logger)
		if err != nil {
			return fmt.Errorf("bridge tools: %w", err)
		}
		logger.Info("engine tools bridged", "tools", n)
		return nil
	}

	setupCtx, cancel := context.WithTimeout(ctx, engineSetupTimeout)
	if err := bridge(setupCtx); err != nil {
		logger.Warn("engine unavailable at startup", "error", err)
	}
	cancel()

	backoff := connwatch.DefaultBackoffConfig()
	if sc.PingInterval > 0 {
		backoff.PollInterval = sc.PingInterval
	}
	c.health.Watch(ctx, connwatch.WatcherConfig{
		Name: sc.Name,
		Probe: func(ctx context.Context) error {
			if !client.Initialized() {
				return client.Initialize(ctx)
			}
			return client.Ping(ctx)
		},
		Backoff: backoff,
		OnReady: func() {
			bctx, cancel := context.WithTimeout(ctx, engineSetupTimeout)
			defer cancel()
			if err := bridge(bctx); err != nil {
				logger.Warn("engine re-bridge failed", "error", err)
			}
			c.publishEngine(events.KindEngineReady, sc.Name, nil)
		},
		OnDown: func(err error) {
			c.publishEngine(events.KindEngineDown, sc.Name, err)
		},
		Logger: logger,
	})
}

func (c *core) publishEngine(kind, name string, err error) {
	data := map[string]any{"engine": name}
	if err != nil {
		data["error"] = err.Error()
	}
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      kind,
		Data:      data,
	})
}

// deps is the template every runtime is built from.
func (c *core) deps() agent.Deps {
	return agent.Deps{
		Decisions:   c.source,
		Tools:       c.registry,
		Telemetry:   c.recorder,
		Workflows:   c.workflows,
		Logger:      c.logger,
		MemoryDir:   filepath.Join(c.cfg.DataDir, "memory"),
		TokenBudget: c.cfg.Runtime.TokenBudget,
	}
}

// runDefaults maps the runtime configuration and loads rulesets and the
// persona.
func (c *core) runDefaults() (runs.Defaults, error) {
	defaults := runs.DefaultsFromConfig(c.cfg.Runtime)

	all, err := rulesets.NewLoader(c.cfg.RulesetsDir).LoadAll()
	if err != nil {
		return defaults, fmt.Errorf("load rulesets: %w", err)
	}
	defaults.Rulesets = all

	if c.cfg.PersonaFile != "" {
		persona, err := rulesets.LoadPersona(c.cfg.PersonaFile)
		if err != nil {
			return defaults, fmt.Errorf("load persona: %w", err)
		}
		defaults.Persona = persona
	}
	c.logger.Info("run defaults loaded", "rulesets", len(all), "persona", c.cfg.PersonaFile != "")
	return defaults, nil
}

// Close stops the watchers and releases engines and storage.
func (c *core) Close() {
	c.health.Stop()
	for _, e := range c.engines {
		if err := e.Close(); err != nil {
			c.logger.Debug("engine close failed", "engine", e.Name(), "error", err)
		}
	}
	if err := c.db.Close(); err != nil {
		c.logger.Warn("database close failed", "error", err)
	}
}

// openDB opens the SQLite database with the configured driver, in WAL
// mode with a busy timeout so concurrent runs do not fail on lock
// contention.
func openDB(driver, path string) (*sql.DB, error) {
	var dsn string
	switch driver {
	case config.DriverMattn:
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case config.DriverModernc:
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}
