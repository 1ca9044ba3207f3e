// The flowstate-runner binary is the worker: it polls the server for
// queued runs matching its capability tier, executes them through the
// agent CLI, and reports results, artifacts, and pull requests back.
//
// Usage:
//
//	flowstate-runner [--config runner.yaml]   — run the worker loop
//	flowstate-runner version                  — version info
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/backend"
	"github.com/flowstate-sh/flowstate/internal/client"
	"github.com/flowstate-sh/flowstate/internal/provider"
	"github.com/flowstate-sh/flowstate/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("flowstate-runner %s (%s, built %s)\n", version, commit, date)
		return
	}

	fs := flag.NewFlagSet("flowstate-runner", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := runner.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	cl := client.New(cfg.ServerURL, cfg.APIKey, cfg.RunnerID)
	be := &backend.ClaudeCLI{
		Binary:    cfg.AgentBinary,
		Model:     cfg.AgentModel,
		BaseURL:   cfg.AgentBaseURL,
		AuthToken: cfg.AgentAuthToken,
		Logger:    logger.Named("agent"),
	}
	providers := provider.NewRegistry(
		&provider.GitHub{Logger: logger.Named("github")},
	)

	r := runner.New(cfg, cl, be, providers, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := r.Preflight(ctx, ""); err != nil {
		logger.Fatal("preflight failed", zap.Error(err))
	}

	if err := r.Run(ctx); err != nil {
		logger.Fatal("runner exited", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
