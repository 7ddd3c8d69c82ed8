package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/hangar/internal/config"
	"github.com/wudi/hangar/internal/controller"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/metrics"
	"github.com/wudi/hangar/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/hangar.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Hangar Controller %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Hangar Controller",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Controller.Listen),
		zap.String("agent", cfg.Controller.AgentURL),
		zap.Int("port_start", cfg.Controller.PortStart),
		zap.Int("port_end", cfg.Controller.PortEnd),
	)

	st, err := store.Open(cfg.Controller.DatabasePath)
	if err != nil {
		logging.Error("Failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	agentClient := controller.NewAgentClient(cfg.Controller.AgentURL,
		cfg.Controller.AgentTimeout, cfg.Controller.AgentStopTimeout)
	m := metrics.New()

	ctrl, err := controller.New(cfg.Controller, st, agentClient, m)
	if err != nil {
		logging.Error("Failed to create controller", zap.Error(err))
		os.Exit(1)
	}
	server := controller.NewServer(cfg.Controller.Listen, ctrl, m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		ctrl.RunWatchdog(ctx)
		return nil
	})
	g.Go(func() error {
		return ctrl.WatchTemplates(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
