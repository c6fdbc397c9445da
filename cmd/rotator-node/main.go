package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/songzhibin97/proxyrotator/internal/config"
	stdoutlog "github.com/songzhibin97/proxyrotator/internal/log/driver/stdout"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

var (
	configFile = flag.String("config", "config.yaml", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	// Version information
	Version   = "v0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Rotator Node %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}

	base, err := stdoutlog.New(cfg.LoggerConfig())
	if err != nil {
		stdlog.Fatalf("Failed to create logger: %v", err)
	}
	defer base.Sync()
	logger := base.With(log.String("node", cfg.Node.Name))

	n, err := newNode(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize rotator node", log.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := n.Run(ctx)
	logger.Info("Shutting down Rotator Node...")
	if err := n.Close(); err != nil {
		logger.Warn("Error while releasing resources", log.Error(err))
	}
	if runErr != nil {
		logger.Error("Rotator node stopped with error", log.Error(runErr))
		base.Sync()
		os.Exit(1)
	}
	logger.Info("Rotator node stopped")
}
