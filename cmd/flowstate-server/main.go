// The flowstate-server binary hosts the scheduling API: the task and
// run store, artifact storage, the claim endpoint runners poll, and the
// stale-run watchdog.
//
// Usage:
//
//	flowstate-server [--config server.json]     — run the server
//	flowstate-server mint-key --name <name>     — create an API key
//	flowstate-server version                    — version info
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("flowstate-server %s (%s, built %s)\n", version, commit, date)
			return
		case "mint-key":
			if err := mintKey(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
	}

	fs := flag.NewFlagSet("flowstate-server", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (JSON)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := server.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// mintKey creates an API key against the configured store and prints
// the plaintext once. Only the hash is persisted.
func mintKey(args []string) error {
	fs := flag.NewFlagSet("mint-key", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (JSON)")
	name := fs.String("name", "", "key name")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("mint-key: --name is required")
	}

	cfg, err := server.Load(*configPath)
	if err != nil {
		return err
	}
	key, err := server.MintKeyFor(cfg, *name)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", key)
	fmt.Fprintln(os.Stderr, "Store this key now; it is not shown again.")
	return nil
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
