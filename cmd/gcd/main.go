package main

import (
	"context"
	"fmt"
	"os"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/charmbracelet/fang"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	ctx := context.Background()

	if tryExternalCommand(ctx) {
		return
	}

	app := newApp()
	defer app.logger.Sync() //nolint:errcheck

	rootCmd := NewRootCmd(version, app)
	if err := fang.Execute(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}

func tryExternalCommand(ctx context.Context) bool {
	if len(os.Args) < 2 {
		return false
	}

	cmd := os.Args[1]
	if cmd == "" || cmd[0] == '-' {
		return false
	}

	if _, err := findExternal(cmd); err != nil {
		return false
	}

	if err := executeExternal(ctx, cmd, os.Args[2:], version); err != nil {
		fmt.Fprintf(os.Stderr, "gcd %s: %v\n", cmd, err)
		os.Exit(1)
	}

	return true
}

type app struct {
	resolver    *internal.ScopeResolver
	logger      *zap.Logger
	registry    *prometheus.Registry
	runSvc      *internal.RunService
	cacheSvc    *internal.CacheService
	oracleSvc   *internal.OracleService
	resultsSvc  *internal.ResultsService
	providerSvc *internal.ProviderService
}

func newApp() *app {
	resolver := internal.NewScopeResolver()

	logger := zap.NewNop()
	if cfg, err := internal.LoadConfig(resolver.Resolve("")); err == nil {
		if l, err := internal.NewLogger(cfg.Logging); err == nil {
			logger = l
		}
	}

	return newAppWith(resolver, logger)
}

func newAppWith(resolver *internal.ScopeResolver, logger *zap.Logger) *app {
	registry := prometheus.NewRegistry()
	metrics := internal.NewMetrics(registry)

	return &app{
		resolver:    resolver,
		logger:      logger,
		registry:    registry,
		runSvc:      internal.NewRunService(resolver, logger, metrics),
		cacheSvc:    internal.NewCacheService(resolver),
		oracleSvc:   internal.NewOracleService(resolver, logger),
		resultsSvc:  internal.NewResultsService(resolver),
		providerSvc: internal.NewProviderService(resolver),
	}
}
