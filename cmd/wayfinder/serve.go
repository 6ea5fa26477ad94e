package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/wayfinder/internal/api"
	"github.com/nugget/wayfinder/internal/buildinfo"
	"github.com/nugget/wayfinder/internal/mqtt"
	"github.com/nugget/wayfinder/internal/runs"
)

// Shutdown budgets.
const (
	runDrainTimeout  = 30 * time.Second
	httpDrainTimeout = 10 * time.Second
	mqttStopTimeout  = 5 * time.Second
)

// runServe handles "wayfinder serve". It starts the API server and the
// optional MQTT forwarder and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the shared context.
//  2. Active runs are canceled and drained; their transcripts are saved.
//  3. The MQTT forwarder publishes "offline" and disconnects.
//  4. The HTTP server drains in-flight requests.
//  5. Watchers, engines, and the database are closed.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting Wayfinder", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"engines", len(cfg.MCP.Servers),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := newCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	defaults, err := c.runDefaults()
	if err != nil {
		return err
	}
	mgr := runs.NewManager(c.deps(), defaults,
		runs.WithTranscriptStore(c.transcripts),
		runs.WithBus(c.bus),
	)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, mgr, logger)
	server.SetWorkflows(c.workflows)
	server.SetHealth(c.health)
	server.SetTraces(c.recorder)
	server.SetUsage(c.usage)
	server.SetEventBus(c.bus)

	var fwd *mqtt.Forwarder
	if cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		fwd = mqtt.New(cfg.MQTT, instanceID, c.bus, mgr, logger)
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if fwd != nil {
		g.Go(func() error {
			return fwd.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		runCtx, runCancel := context.WithTimeout(context.Background(), runDrainTimeout)
		defer runCancel()
		if err := mgr.Stop(runCtx); err != nil {
			logger.Warn("runs did not drain before timeout", "active", mgr.Active(), "error", err)
		}

		if fwd != nil {
			mqttCtx, mqttCancel := context.WithTimeout(context.Background(), mqttStopTimeout)
			defer mqttCancel()
			if err := fwd.Stop(mqttCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		httpCtx, httpCancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer httpCancel()
		return server.Shutdown(httpCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Wayfinder stopped")
	return nil
}
