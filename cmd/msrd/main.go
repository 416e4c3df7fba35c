package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"msr/internal/api"
	"msr/internal/bridge"
	"msr/internal/config"
	"msr/internal/rt"
	"msr/pkg/clock"
	"msr/pkg/hook"
	"msr/pkg/metric"
	"msr/pkg/plugin"

	// Extensions and plugins register themselves with the global registries
	_ "msr/internal/extensions/formatter"
	_ "msr/internal/extensions/sampler"
	_ "msr/internal/extensions/storage"
	_ "msr/internal/plugins/alarm"
	_ "msr/internal/plugins/journal"
	_ "msr/internal/plugins/threshold"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load environment variables before the logger reads MSR_LOG_LEVEL
	envErr := godotenv.Load()

	logger, err := newLogger(os.Getenv("MSR_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configDir := getEnv("MSR_CONFIG_DIR", "./config")
	dataDir := getEnv("MSR_DATA_DIR", "./data")
	httpPort, err := strconv.Atoi(getEnv("MSR_HTTP_PORT", "8081"))
	if err != nil {
		logger.Fatal("MSR_HTTP_PORT must be a number", zap.Error(err))
	}

	logger.Info("Starting msr plugin runtime",
		zap.String("config_dir", configDir),
		zap.String("data_dir", dataDir),
		zap.Int("http_port", httpPort),
		zap.Strings("plugins", plugin.Names()))

	// Registration ran in init() before this logger existed
	plugin.LogRegistered(logger)
	hook.Storages.LogRegistered(logger)
	hook.Formatters.LogRegistered(logger)
	hook.Samplers.LogRegistered(logger)

	loader := config.NewLoader(configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	runtimeConfig := loader.Runtime()

	metrics := metric.NewRegistry()
	clk := clock.NewRealClock()

	// Create every registered plugin the configuration does not disable
	entries, err := plugin.CreateAll(func(info plugin.PluginInfo) (*plugin.Deps, bool) {
		section := runtimeConfig.Plugin(info.Name)
		if !section.IsEnabled() {
			logger.Info("Plugin disabled by configuration", zap.String("plugin", info.Name))
			return nil, false
		}
		loopConfig, err := section.LoopConfig()
		if err != nil {
			// Validated by the loader already
			logger.Fatal("Invalid plugin configuration", zap.String("plugin", info.Name), zap.Error(err))
		}
		loopConfig.Elevate = rt.Elevate
		return &plugin.Deps{
			Loop:       loopConfig,
			Extensions: hook.Selection(section.Extensions),
			Settings:   section.HookSettings(),
			Logger:     logger.Named(info.Name),
			Metrics:    metrics,
			Clock:      clk,
			DataDir:    dataDir,
		}, true
	})
	if err != nil {
		logger.Fatal("Failed to create plugins", zap.Error(err))
	}

	host := plugin.NewHost(entries, logger)
	if err := host.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start plugins", zap.Error(err))
	}

	mediators, err := bridge.Wire(host, runtimeConfig, metrics, logger)
	if err != nil {
		logger.Fatal("Failed to wire mediators", zap.Error(err))
	}
	if err := mediators.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start mediators", zap.Error(err))
	}

	var apiServer *api.Server
	if httpPort > 0 {
		statuses := make([]api.MediatorStatus, 0, len(mediators.Runners()))
		for _, r := range mediators.Runners() {
			statuses = append(statuses, r)
		}
		apiServer = api.NewServer(host, logger, httpPort,
			api.WithMetrics(metrics),
			api.WithMediators(statuses...))
		if err := apiServer.Start(); err != nil {
			logger.Fatal("Failed to start HTTP API server", zap.Error(err))
		}
	} else {
		logger.Info("HTTP API server disabled")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Runtime running. Press Ctrl+C to exit.",
		zap.Int("plugins", len(entries)),
		zap.Int("mediators", len(mediators.Runners())))

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))

	// Mediators first so no request is sent to a draining plugin
	mediators.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := host.Stop(ctx); err != nil {
		logger.Error("Plugins did not stop cleanly", zap.Error(err))
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("Failed to stop HTTP API server", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
