package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/relay/internal/config"
	"github.com/mattjoyce/relay/internal/lock"
	"github.com/mattjoyce/relay/internal/log"
)

var discoverConfig = config.Discover

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	lockDir := fs.String("lock-dir", "", "Directory for the PID lock (default: journal directory, else the temp dir)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupFormat(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("relay starting", "version", version, "config", path)

	lockPath := lock.Path(pidLockDir(cfg, *lockDir), cfg.Service.Name)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, log.Get())
	if err != nil {
		logger.Error("failed to build relay", "error", err)
		return 1
	}
	if err := svc.run(ctx); err != nil {
		logger.Error("relay failed", "error", err)
		return 1
	}

	logger.Info("relay stopped")
	return 0
}

func pidLockDir(cfg *config.Config, flagDir string) string {
	if flagDir != "" {
		return flagDir
	}
	if cfg.Journal.Path != "" {
		return filepath.Dir(cfg.Journal.Path)
	}
	return os.TempDir()
}
