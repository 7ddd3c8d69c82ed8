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

	"github.com/wudi/hangar/internal/agent"
	"github.com/wudi/hangar/internal/config"
	"github.com/wudi/hangar/internal/gpu"
	"github.com/wudi/hangar/internal/logging"
	"github.com/wudi/hangar/internal/metrics"
	"github.com/wudi/hangar/internal/proxy"
	"github.com/wudi/hangar/internal/runtime"
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
		fmt.Printf("Hangar Agent %s (built %s)\n", version, buildTime)
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

	logging.Info("Starting Hangar Agent",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Agent.Listen),
		zap.String("controller", cfg.Agent.ControllerURL),
	)

	routes, err := proxy.NewManager(cfg.Proxy.RoutesFile, cfg.Proxy.ConfigPath,
		cfg.Proxy.LinkPath, cfg.Proxy.ListenPort)
	if err != nil {
		logging.Error("Failed to load routes", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controllerClient := agent.NewControllerClient(cfg.Agent.ControllerURL)
	m := metrics.New()
	a := agent.New(ctx, cfg.Agent, routes,
		gpu.NewAllocator(gpu.QueryNvidiaSMI), runtime.New(),
		controllerClient, controllerClient, m)

	// Re-adopt workloads that survived an agent restart before accepting
	// new dispatches.
	a.Recover()

	server := agent.NewServer(cfg.Agent.Listen, a, m.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
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
