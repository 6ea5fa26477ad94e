package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nugget/wayfinder/internal/agent"
	"github.com/nugget/wayfinder/internal/runs"
)

// runArgs are the flags of "wayfinder run".
type runArgs struct {
	goal     string
	agent    string
	maxSteps int
	dryRun   bool
	rulesets []string
}

// parseRunArgs parses run flags by hand; everything that is not a flag
// is joined into the goal.
func parseRunArgs(args []string) (runArgs, error) {
	var ra runArgs
	var goal []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-dry-run" || args[i] == "--dry-run":
			ra.dryRun = true
		case (args[i] == "-max-steps" || args[i] == "--max-steps") && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return ra, fmt.Errorf("invalid -max-steps %q", args[i+1])
			}
			ra.maxSteps = n
			i++
		case (args[i] == "-agent" || args[i] == "--agent") && i+1 < len(args):
			ra.agent = args[i+1]
			i++
		case (args[i] == "-ruleset" || args[i] == "--ruleset") && i+1 < len(args):
			ra.rulesets = append(ra.rulesets, args[i+1])
			i++
		case args[i] == "--":
			goal = append(goal, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(args[i], "-") && len(goal) == 0:
			return ra, fmt.Errorf("unknown run flag: %s", args[i])
		default:
			goal = append(goal, args[i])
		}
	}
	ra.goal = strings.TrimSpace(strings.Join(goal, " "))
	if ra.goal == "" {
		return ra, errUsage
	}
	return ra, nil
}

// runOnce handles "wayfinder run". It executes a single run in process
// and prints the result. SIGINT cancels the run cooperatively; the
// partial result is still printed.
func runOnce(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, ra runArgs) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout carries only the result.
	logger := configuredLogger(stderr, cfg)

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

	run, err := mgr.Submit(runs.Request{
		Goal:     ra.goal,
		Agent:    ra.agent,
		Rulesets: ra.rulesets,
		MaxSteps: ra.maxSteps,
		DryRun:   ra.dryRun,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := mgr.Wait(sigCtx, run.ID)
	if err != nil {
		logger.Info("interrupt received, canceling run", "run_id", run.ID)
		if cerr := mgr.Cancel(run.ID); cerr != nil {
			logger.Debug("cancel after interrupt", "error", cerr)
		}
		if res, err = mgr.Wait(context.Background(), run.ID); err != nil {
			return err
		}
	}
	if err := mgr.Stop(context.Background()); err != nil {
		return err
	}
	return printResult(stdout, outputFmt, res)
}

func printResult(w io.Writer, outputFmt string, res *agent.Result) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "run:     %s\n", res.RunID)
	fmt.Fprintf(w, "status:  %s (%s)\n", res.Status, res.Reason)
	fmt.Fprintf(w, "steps:   %d\n", res.Steps)
	if res.Final != "" {
		fmt.Fprintf(w, "final:   %s\n", res.Final)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error:   %s\n", res.Error)
	}
	if res.MemoryPath != "" {
		fmt.Fprintf(w, "memory:  %s\n", res.MemoryPath)
	}
	return nil
}
